// SPDX-License-Identifier: Apache-2.0

// Command duuxventilator captures the MQTT CONNECT frame a Duux fan sends to
// its cloud broker and reports the credentials embedded in it.
//
// Point the device's broker hostname at this machine (DNS override), start
// the capture, power-cycle the fan, and read the report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dgebbink/duuxventilator"
	"github.com/dgebbink/duuxventilator/pkg/capture"
	"github.com/dgebbink/duuxventilator/pkg/certs"
	"github.com/dgebbink/duuxventilator/pkg/mqtt"
	"github.com/dgebbink/duuxventilator/pkg/preflight"
	"github.com/dgebbink/duuxventilator/pkg/report"
)

const envPrefix = "DUUX_"

func main() {
	var (
		configFile   = flag.String("config", "", "TOML config file")
		host         = flag.String("host", "", "listen host (default all interfaces)")
		port         = flag.Int("port", 8883, "listen port")
		certFile     = flag.String("cert", "cert.pem", "TLS certificate file")
		keyFile      = flag.String("key", "key.pem", "TLS private key file")
		timeout      = flag.Duration("timeout", 0, "capture window (default 60s)")
		preflightOpt = flag.String("preflight", "", "port pre-flight check: lsof, probe or off")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		logFormat    = flag.String("log-format", "", "log format: text or json")
		generateCert = flag.Bool("generate-cert", false, "write a self-signed certificate pair and exit")
		hosts        = flag.String("hosts", "localhost", "comma-separated hosts for -generate-cert")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := duuxventilator.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
			os.Exit(1)
		}
	}

	// Explicit flags win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "cert":
			cfg.CertFile = *certFile
		case "key":
			cfg.KeyFile = *keyFile
		case "timeout":
			cfg.Timeout = duuxventilator.Duration(*timeout)
		case "preflight":
			cfg.Preflight = *preflightOpt
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	logger := newLogger(cfg)

	if *generateCert {
		names := strings.Split(*hosts, ",")
		if err := certs.GenerateSelfSigned(cfg.CertFile, cfg.KeyFile, names, 0); err != nil {
			logger.Error("certificate generation failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("wrote self-signed certificate pair",
			slog.String("cert", cfg.CertFile),
			slog.String("key", cfg.KeyFile),
			slog.String("hosts", *hosts))
		return
	}

	os.Exit(run(cfg, logger))
}

// run performs one capture-and-parse cycle and returns the process exit code.
func run(cfg duuxventilator.Config, logger *slog.Logger) int {
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Generate a certificate pair first:")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "  duuxventilator -generate-cert -cert %s -key %s\n", cfg.CertFile, cfg.KeyFile)
		return 1
	}

	listener := capture.New(capture.Config{
		Address:   cfg.Address(),
		TLSConfig: tlsConfig,
		Timeout:   cfg.CaptureTimeout(),
		Preflight: newChecker(cfg.Preflight),
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var captured []byte
	g.Go(func() error {
		data, err := listener.Capture(ctx)
		captured = data
		cancel()
		return err
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	switch err := g.Wait(); {
	case err == nil:
	case errors.Is(err, capture.ErrTimeout):
		report.Timeout(os.Stderr)
		return 1
	case errors.Is(err, context.Canceled):
		logger.Info("capture aborted")
		return 130
	default:
		var setupErr *capture.SetupError
		if errors.As(err, &setupErr) {
			fmt.Fprintf(os.Stderr, "Setup failed: %v\n\n", err)
			fmt.Fprintln(os.Stderr, "Free the port (or pick another with -port) and check that the certificate")
			fmt.Fprintln(os.Stderr, "and key files exist and are readable, then run the capture again.")
			return 1
		}
		logger.Error("capture failed", slog.String("error", err.Error()))
		return 1
	}

	pkt, err := mqtt.DecodeConnect(captured)
	if err != nil {
		var decodeErr *mqtt.DecodeError
		if errors.As(err, &decodeErr) {
			report.DecodeFailure(os.Stderr, decodeErr)
		} else {
			logger.Error("decode failed", slog.String("error", err.Error()))
		}
		return 1
	}

	report.Connect(os.Stdout, pkt)
	return 0
}

func newChecker(kind string) preflight.Checker {
	switch kind {
	case "probe":
		return preflight.ProbeChecker{}
	case "off":
		return nil
	default:
		return preflight.LsofChecker{}
	}
}

func newLogger(cfg duuxventilator.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	// The report goes to stdout; logs stay on stderr.
	if strings.ToLower(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
