package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/chatfs/internal/client"
	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/storage"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  /upload <file> [ttl_minutes]  share a file, optionally expiring
  /download <name>              fetch a shared file
  /list                         show who is online (* marks root)
  /kick <user>                  disconnect a user (root)
  /root <user>                  hand root to another user (root)
  /stats                        server statistics (root)
  /exit                         leave
anything else is sent as chat`

// command is one parsed input line. A line not starting with "/" is a chat
// with the whole line as its text.
type command struct {
	name string
	args []string
	text string
}

func parseCommand(line string) command {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "/") {
		return command{name: "chat", text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: ""}
	}
	return command{name: fields[0], args: fields[1:]}
}

// parseTTL reads a whole number of minutes.
func parseTTL(s string) (time.Duration, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("ttl must be a whole number of minutes, got %q", s)
	}
	return time.Duration(n) * time.Minute, nil
}

// syncWriter serializes output from the input loop and the event reader.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func printEvent(out io.Writer) client.Handler {
	return func(f protocol.Frame) {
		switch f.Type {
		case protocol.TypeChat:
			fmt.Fprintf(out, "[%s] %s\n", f.Sender, f.Text())
		case protocol.TypeNotice:
			fmt.Fprintf(out, "* %s\n", f.Text())
		case protocol.TypeError:
			code, msg := protocol.ParseError(f)
			fmt.Fprintf(out, "! %s: %s\n", code, msg)
		}
	}
}

type repl struct {
	client      *client.Client
	out         io.Writer
	downloadDir string
}

// run reads commands until /exit, end of input, ctx cancellation or the
// server closing the connection.
func (r *repl) run(ctx context.Context, in *bufio.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.client.Exit()
		case <-r.client.Done():
			fmt.Fprintln(r.out, "disconnected by server")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return errors.Wrap(err, "read input failed")
				default:
				}
				return r.client.Exit()
			}
			err := r.execute(ctx, parseCommand(line))
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(r.out, "! %v\n", err)
			}
		}
	}
}

func (r *repl) execute(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "chat":
		if strings.TrimSpace(cmd.text) == "" {
			return nil
		}
		return r.client.Chat(cmd.text)
	case "list":
		names, err := r.client.List(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintf(r.out, "  %s\n", n)
		}
		return nil
	case "upload":
		return r.upload(ctx, cmd.args)
	case "download":
		if len(cmd.args) != 1 {
			return errors.New("usage: /download <name>")
		}
		return r.download(ctx, cmd.args[0])
	case "kick":
		if len(cmd.args) != 1 {
			return errors.New("usage: /kick <user>")
		}
		return r.client.Kick(ctx, cmd.args[0])
	case "root":
		if len(cmd.args) != 1 {
			return errors.New("usage: /root <user>")
		}
		return r.client.TransferRoot(ctx, cmd.args[0])
	case "stats":
		stats, err := r.client.Stats(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(r.out, "  %s=%s\n", k, stats[k])
		}
		return nil
	case "help":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "exit", "quit":
		if err := r.client.Exit(); err != nil {
			logger.WithError(err).Debug("exit")
		}
		return errQuit
	default:
		return errors.Errorf("unknown command /%s, try /help", cmd.name)
	}
}

func (r *repl) upload(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: /upload <file> [ttl_minutes]")
	}
	var ttl time.Duration
	if len(args) == 2 {
		var err error
		if ttl, err = parseTTL(args[1]); err != nil {
			return err
		}
	}

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrap(err, "open file failed")
	}
	defer f.Close()

	ack, err := r.client.Upload(ctx, filepath.Base(args[0]), f, ttl)
	if err != nil {
		return err
	}
	if ack.TTL > 0 {
		fmt.Fprintf(r.out, "uploaded %s (%d bytes, expires in %s)\n", ack.Name, ack.Size, ack.TTL)
	} else {
		fmt.Fprintf(r.out, "uploaded %s (%d bytes)\n", ack.Name, ack.Size)
	}
	return nil
}

// download writes to a temporary file and renames it into place once the
// whole stream has arrived.
func (r *repl) download(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.downloadDir, ".download-*")
	if err != nil {
		return errors.Wrap(err, "create download file failed")
	}
	defer os.Remove(tmp.Name())

	n, err := r.client.Download(ctx, name, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	dst := filepath.Join(r.downloadDir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Wrap(err, "save download failed")
	}
	fmt.Fprintf(r.out, "downloaded %s (%d bytes) to %s\n", name, n, dst)
	return nil
}
