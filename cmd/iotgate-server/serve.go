package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/muurk/iotgate/internal/capture"
	"github.com/muurk/iotgate/internal/config"
	"github.com/muurk/iotgate/internal/credentials"
	"github.com/muurk/iotgate/internal/discovery"
	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/outbound"
	"github.com/muurk/iotgate/internal/server"
	"github.com/muurk/iotgate/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the device server",
	Long: `Start accepting device connections.

Without TLS settings the server listens in plain TCP. Use --cert and --key
to serve TLS with your own certificate, or --tls to generate a self-signed
certificate in memory.

Outbound messages are read from --outbound-pipe, one "<device_id> <payload>"
entry per line, and delivered on the next tick to the connection bound to
that device.`,
	Example: `  # Start with the configuration file
  iotgate-server serve

  # Plain TCP on a custom port with debug logging
  iotgate-server serve --port 6000 --log-level debug

  # TLS with a generated certificate, advertised over mDNS
  iotgate-server serve --tls --advertise

  # Feed outbound messages from a named pipe and capture traffic
  mkfifo /tmp/iotgate.out
  iotgate-server serve --outbound-pipe /tmp/iotgate.out --capture-dir ./captures`,
	RunE: runServe,
}

func init() {
	registerServeFlags(serveCmd.Flags())
}

func registerServeFlags(f *pflag.FlagSet) {
	f.String("host", "", "Listen address (empty = all interfaces)")
	f.Int("port", 0, "Listen port (default 5050)")
	f.Duration("poll-interval", 0, "Longest wait for socket events per tick (default 1s)")
	f.Duration("idle-timeout", 0, "Close connections with no reads for this long (default 90s)")
	f.String("cert", "", "Path to TLS certificate file")
	f.String("key", "", "Path to TLS private key file")
	f.Bool("tls", false, "Serve TLS with a generated self-signed certificate unless --cert is set")
	f.String("credentials", "", "Path to the credentials file or database")
	f.String("credentials-backend", "", "Credentials backend: file, sqlite or hmac")
	f.String("outbound-pipe", "", "Named pipe or file to read outbound messages from")
	f.String("capture-dir", "", "Directory for JSON Lines message capture (disabled if empty)")
	f.Bool("advertise", false, "Advertise the server via mDNS")
	f.String("log-level", "", "Log level (debug, info, warn, error); defaults to IOTGATE_LOG_LEVEL")
}

// loadConfig reads the configuration file and applies any flags the user set.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with flags that were explicitly set.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			apply()
		}
	}

	set("host", func() { cfg.Listen.Host, err = flags.GetString("host") })
	set("port", func() { cfg.Listen.Port, err = flags.GetInt("port") })
	set("poll-interval", func() { cfg.Listen.PollInterval, err = flags.GetDuration("poll-interval") })
	set("idle-timeout", func() { cfg.Listen.IdleTimeout, err = flags.GetDuration("idle-timeout") })
	set("cert", func() { cfg.TLS.Cert, err = flags.GetString("cert") })
	set("key", func() { cfg.TLS.Key, err = flags.GetString("key") })
	set("tls", func() { cfg.TLS.Generate, err = flags.GetBool("tls") })
	set("credentials", func() { cfg.Credentials.Path, err = flags.GetString("credentials") })
	set("credentials-backend", func() { cfg.Credentials.Backend, err = flags.GetString("credentials-backend") })
	set("outbound-pipe", func() { cfg.Outbound.Pipe, err = flags.GetString("outbound-pipe") })
	set("capture-dir", func() { cfg.Capture.Dir, err = flags.GetString("capture-dir") })
	set("advertise", func() { cfg.Discovery.Enabled, err = flags.GetBool("advertise") })
	set("log-level", func() { cfg.LogLevel, err = flags.GetString("log-level") })
	return err
}

// buildTLS returns nil when TLS is disabled. A configured certificate wins
// over generation.
func buildTLS(cfg config.TLSConfig) (*tls.Config, string, error) {
	switch {
	case cfg.Cert != "":
		tlsConfig, err := server.NewTLSConfig(cfg.Cert, cfg.Key)
		return tlsConfig, cfg.Cert, err
	case cfg.Generate:
		cert, err := server.GenerateSelfSigned(cfg.Hosts, server.DefaultCertValidity)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate certificate: %w", err)
		}
		logging.Info("Certificate generated",
			zap.String("CN", cert.Certificate.Subject.CommonName),
			zap.Strings("dns_names", cert.Certificate.DNSNames),
			zap.Time("not_after", cert.Certificate.NotAfter),
		)
		tlsConfig, err := server.NewTLSConfigFromMemory(cert.CertPEM, cert.KeyPEM)
		return tlsConfig, "generated (in-memory)", err
	default:
		return nil, "off", nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	verifier, err := credentials.OpenVerifier(cfg.Credentials.Backend, cfg.Credentials.Path, cfg.Credentials.Secret)
	if err != nil {
		return fmt.Errorf("failed to open credentials: %w", err)
	}
	if closer, ok := verifier.(io.Closer); ok {
		defer closer.Close()
	}

	captureWriter, err := capture.New(cfg.Capture.Dir)
	if err != nil {
		return err
	}
	defer captureWriter.Close()

	tlsConfig, tlsMode, err := buildTLS(cfg.TLS)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		logging.Info("TLS Configuration", zap.Any("tls_info", server.GetTLSInfo(tlsConfig)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source server.OutboundSource = outbound.None{}
	if cfg.Outbound.Pipe != "" {
		pipe, err := outbound.NewPipeSource(ctx, cfg.Outbound.Pipe)
		if err != nil {
			return err
		}
		defer pipe.Close()
		source = pipe
	}

	gw := newGateway(verifier, captureWriter)
	srv, err := server.New(server.Config{
		Host:         cfg.Listen.Host,
		Port:         cfg.Listen.Port,
		PollInterval: cfg.Listen.PollInterval,
		IdleTimeout:  cfg.Listen.IdleTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		TLS:          tlsConfig,
	}, gw, server.WithOutbound(recordOutbound(source, captureWriter)))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	addr := net.JoinHostPort(cfg.Listen.Host, strconv.Itoa(cfg.Listen.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		p.PrintError("Cannot listen on "+addr, err, []string{
			"Check that no other process is bound to the port",
			"Ports below 1024 need elevated privileges",
			"Use --port or listen.port to pick another port",
		})
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	p.PrintHeader("iotgate server", "iotgate-server serve", map[string]string{
		"Listen":      ln.Addr().String(),
		"TLS":         tlsMode,
		"Credentials": cfg.Credentials.Backend,
		"Capture":     valueOr(cfg.Capture.Dir, "off"),
		"Outbound":    valueOr(cfg.Outbound.Pipe, "off"),
	})

	if cfg.Discovery.Enabled {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Discovery.Instance, port, discovery.ServerTXT(tlsConfig != nil))
		if err != nil {
			logging.Warn("mDNS advertisement failed, continuing without it", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	logging.Info("Shutdown complete", zap.Int64("messages", gw.Messages()))
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
