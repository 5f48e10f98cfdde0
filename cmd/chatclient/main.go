// Package main is the interactive chatfs client.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/chatfs/internal/auth"
	"github.com/dreamware/chatfs/internal/client"
	"github.com/dreamware/chatfs/internal/logging"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	rootCmd = &cobra.Command{
		Use:           "chatclient",
		Short:         "Interactive client for a chatfs server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	connectCmd = &cobra.Command{
		Use:   "connect [addr]",
		Short: "Connect, log in and start an interactive session.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConnect,
	}
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func runConnect(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	logging.SetLogger(level)

	addr := getenv("CHATFS_ADDR", "127.0.0.1:9000")
	if len(args) == 1 {
		addr = args[0]
	}
	user, _ := flags.GetString("user")
	dir, _ := flags.GetString("download-dir")

	in := bufio.NewReader(cmd.InOrStdin())
	out := &syncWriter{w: cmd.OutOrStdout()}

	if user == "" {
		fmt.Fprint(out, "user: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "read user failed")
		}
		user = strings.TrimSpace(line)
	}
	secret, err := auth.ReadSecret(cmd.InOrStdin(), in, out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, addr, printEvent(out))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Login(ctx, user, secret); err != nil {
		return errors.Wrap(err, "login failed")
	}
	logger.WithFields(logrus.Fields{"addr": addr, "user": user}).Debug("logged in")
	fmt.Fprintf(out, "logged in as %s, /help for commands\n", c.Username())

	r := &repl{client: c, out: out, downloadDir: dir}
	return r.run(ctx, in)
}

func init() {
	connectCmd.Flags().StringP("user", "u", "", "user id, prompted for when empty")
	connectCmd.Flags().StringP("download-dir", "d", ".", "directory downloads are written to")
	connectCmd.Flags().String("log-level", "warn", "trace, debug, info, warn or error")

	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
