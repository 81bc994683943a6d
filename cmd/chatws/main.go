package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatws "github.com/design-smith/muntu-chatws"
)

var version = "dev"

type flags struct {
	configPath string
	url        string
	session    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "chatws",
		Short: "Chat session client",
		Long: `chatws connects to a chat session over websocket, sends every line read from
stdin as a chat message and prints the messages it receives.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.Flags().StringVar(&f.configPath, "config", "", "path to a TOML configuration file")
	root.Flags().StringVar(&f.url, "url", "", "backend url, overrides the configuration file")
	root.Flags().StringVar(&f.session, "session", "", "session id, a random one when empty")
	root.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of chatws",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatws version %s\n", version)
		},
	})

	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func run(ctx context.Context, f *flags, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := newLogger(f.logLevel)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = zl.Sync() }()

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.url != "" {
		cfg.URL = f.url
	}

	session := f.session
	if session == "" {
		session = uuid.NewString()
	}

	m, err := chatws.NewManager(chatws.WithConfig(cfg), chatws.WithLogger(chatws.NewZapLogger(zl)))
	if err != nil {
		return err
	}
	defer m.Disconnect()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.On(chatws.EventExhausted, func(c chatws.StateChange) {
		cancel(c.Err)
	})
	m.On(chatws.EventReconnect, func(c chatws.StateChange) {
		zl.Sugar().Infof("reconnecting in %s (attempt %d)", c.Delay, c.Attempt)
	})
	// frames are printed from this goroutine only, out is not safe for concurrent use
	frames := make(chan chatws.Frame, 64)
	m.AddMessageHandler(func(fr chatws.Frame) {
		select {
		case frames <- fr:
		case <-ctx.Done():
		}
	})

	zl.Sugar().Infof("connecting to session %s", session)
	if err := m.ConnectToSession(ctx, session); err != nil {
		return err
	}
	fmt.Fprintf(out, "connected to session %s\n", session)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		case fr := <-frames:
			printFrame(out, fr)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			if err := m.SendMessage(line); err != nil {
				zl.Sugar().Warnf("cannot send message: %s", err)
			}
		}
	}
}

func printFrame(out io.Writer, fr chatws.Frame) {
	if fr.IsError() {
		fmt.Fprintf(out, "! %s\n", fr.Data)
		return
	}
	msg, err := fr.ChatMessage()
	if err != nil || msg.Content == "" {
		fmt.Fprintf(out, "%s\n", fr.Data)
		return
	}
	sender := msg.Sender
	if sender == "" {
		sender = "?"
	}
	fmt.Fprintf(out, "[%s] %s\n", sender, msg.Content)
}
