// Package main is the entry point for the mailkit command line client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/internal/htmltext"
	"github.com/shineum/mailkit/internal/mailer"
	"github.com/shineum/mailkit/internal/mimecodec"
	"github.com/shineum/mailkit/internal/provider"
	"github.com/shineum/mailkit/internal/provider/graph"
	"github.com/shineum/mailkit/internal/provider/ses"
	"github.com/shineum/mailkit/internal/provider/stdout"
)

const usage = `usage: mailkit [-config file] <command> [flags]

commands:
  send    compose and deliver a message
  fetch   search a mailbox and print the matches
`

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client, err := newClient(ctx, cfg)
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "send":
		err = runSend(ctx, client, args)
	case "fetch":
		err = runFetch(ctx, client, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to stderr so command output stays clean.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// newClient builds the mailer client and its delivery backend.
func newClient(ctx context.Context, cfg *config.Config) (*mailer.Client, error) {
	maxAttachment, err := cfg.MaxAttachmentBytes()
	if err != nil {
		return nil, err
	}
	codec := mimecodec.New(htmltext.Renderer{})
	codec.MaxAttachmentSize = maxAttachment

	tlsConfig, err := cfg.ClientTLS()
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS: %w", err)
	}

	prov, err := selectProvider(ctx, cfg, codec)
	if err != nil {
		return nil, err
	}

	return mailer.New(mailer.Config{
		Username:              cfg.Account.Username,
		Password:              cfg.Account.Password,
		SMTPHost:              cfg.SMTP.Host,
		SMTPPort:              cfg.SMTP.Port,
		SMTPSecurity:          cfg.SMTPSecurity(),
		IMAPHost:              cfg.IMAP.Host,
		IMAPPort:              cfg.IMAP.Port,
		IMAPSecurity:          cfg.IMAPSecurity(),
		Mailbox:               cfg.IMAP.Mailbox,
		Timeout:               cfg.Timeout,
		TLSConfig:             tlsConfig,
		SMTPAllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
		IMAPAllowInsecureAuth: cfg.IMAP.AllowInsecureAuth,
		Codec:                 codec,
		Provider:              prov,
	}), nil
}

// selectProvider chooses the delivery backend named by the configuration.
// A nil provider leaves the mailer on its SMTP relay.
func selectProvider(ctx context.Context, cfg *config.Config, codec *mimecodec.Codec) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.Account.Username,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.Account.Username,
			Codec:           codec,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Account.Username,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Account.Username,
			Codec:        codec,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(codec), nil

	default:
		slog.Info("using SMTP relay",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"security", cfg.SMTPSecurity().String(),
		)
		return nil, nil
	}
}
