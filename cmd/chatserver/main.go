// Package main is the chatfs server entrypoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/chatfs/internal/admin"
	"github.com/dreamware/chatfs/internal/auth"
	"github.com/dreamware/chatfs/internal/config"
	"github.com/dreamware/chatfs/internal/logging"
	"github.com/dreamware/chatfs/internal/registry"
	"github.com/dreamware/chatfs/internal/server"
	"github.com/dreamware/chatfs/internal/storage"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	configPath string

	rootCmd = &cobra.Command{
		Use:           "chatserver",
		Short:         "Multi-user chat and file exchange server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Accept clients until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print statistics from a running server's admin endpoint.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	hashCmd = &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print a bcrypt hash suitable for the credentials file.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHash,
	}
)

// loadConfig reads the config file and applies any flags set on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config failed")
	}

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"addr":        &cfg.Addr,
		"admin-addr":  &cfg.AdminAddr,
		"storage-dir": &cfg.StorageDir,
		"credentials": &cfg.CredentialsFile,
		"log-level":   &cfg.LogLevel,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return config.Config{}, errors.Wrapf(err, "read --%s failed", name)
		}
		*dst = v
	}
	if flags.Changed("max-clients") {
		n, err := flags.GetInt("max-clients")
		if err != nil {
			return config.Config{}, errors.Wrap(err, "read --max-clients failed")
		}
		cfg.MaxClients = n
	}
	return cfg, errors.Wrap(cfg.Validate(), "invalid flags")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.SetLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return errors.Wrap(run(ctx, cfg, nil), "serve failed")
}

// run starts every component described by cfg and blocks until ctx ends or
// one of them fails. ready, if set, receives the bound chat and admin
// addresses; the admin address is nil when the endpoint is disabled.
func run(ctx context.Context, cfg config.Config, ready func(chat, adm net.Addr)) error {
	creds, err := auth.Load(cfg.CredentialsFile)
	if err != nil {
		return err
	}
	defer creds.Close()
	if err := creds.Watch(); err != nil {
		logger.WithError(err).Warn("credentials will not be reloaded on change")
	}

	store, err := storage.NewDiskStore(cfg.StorageDir)
	if err != nil {
		return err
	}
	sweeper := storage.NewSweeper(cfg.SweepInterval, store)
	sweeper.SetOnDelete(func(name string) {
		logger.WithField("file", name).Info("expired file removed")
	})

	srv, err := server.New(
		server.WithRegistry(registry.New(cfg.MaxClients)),
		server.WithStore(store),
		server.WithSweeper(sweeper),
		server.WithCredentials(creds),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithMaxFileSize(cfg.MaxFileSize),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s failed", cfg.Addr)
	}

	var adminLn net.Listener
	if cfg.AdminAddr != "" {
		adminLn, err = net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			ln.Close()
			return errors.Wrapf(err, "listen on %s failed", cfg.AdminAddr)
		}
	}

	logger.WithFields(logrus.Fields{
		"addr":        ln.Addr().String(),
		"max_clients": cfg.MaxClients,
		"storage_dir": cfg.StorageDir,
		"users":       creds.Len(),
	}).Info("chat server listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})

	var adminAddr net.Addr
	if adminLn != nil {
		adminAddr = adminLn.Addr()
		httpSrv := &http.Server{
			Handler:           admin.NewHandler(srv, store, sweeper),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.WithField("addr", adminAddr.String()).Info("admin endpoint listening")
		g.Go(func() error {
			if err := httpSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if ready != nil {
		ready(ln.Addr(), adminAddr)
	}

	err = g.Wait()
	logger.Info("chat server stopped")
	return err
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.AdminAddr == "" {
		return errors.New("admin endpoint is disabled; set admin_addr or --admin-addr")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var st server.Stats
	if err := admin.GetJSON(ctx, admin.BaseURL(cfg.AdminAddr)+"/stats", &st); err != nil {
		return errors.Wrap(err, "fetch stats failed")
	}
	_, err = io.WriteString(cmd.OutOrStdout(), st.Lines()+"\n")
	return err
}

func runHash(cmd *cobra.Command, args []string) error {
	var secret string
	if len(args) == 1 {
		secret = args[0]
	} else {
		var err error
		in := cmd.InOrStdin()
		if secret, err = auth.ReadSecret(in, bufio.NewReader(in), cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	if secret == "" {
		return errors.New("empty secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash secret failed")
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return err
}

// addConfigFlags registers the flags that override config file settings.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "chat listen address")
	cmd.Flags().String("admin-addr", "", "admin HTTP listen address, empty to disable")
	cmd.Flags().String("storage-dir", "", "directory for uploaded files")
	cmd.Flags().String("credentials", "", "credentials file of \"id secret\" lines")
	cmd.Flags().String("log-level", "", "trace, debug, info, warn or error")
	cmd.Flags().Int("max-clients", 0, "maximum concurrent connections")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	addConfigFlags(serveCmd)
	addConfigFlags(statusCmd)

	rootCmd.AddCommand(serveCmd, statusCmd, hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
