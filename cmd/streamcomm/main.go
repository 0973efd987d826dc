package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/streamcomm/internal/httpapi"
	"github.com/rmacdonaldsmith/streamcomm/internal/node"
)

const (
	// Application info
	appName    = "streamcomm"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

// options are the parsed command line
type options struct {
	configFile  string
	showVersion bool
	config      fileConfig
}

// parseArgs parses the flags, loads the config file if one is named and
// applies the flags given explicitly on top of it
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := defaultFileConfig()
	var (
		configFile  = fs.String("config", "", "Config file (.yaml, .yml or .toml)")
		listen      = fs.String("listen", def.Listen, "Listen address for peer connections")
		advertise   = fs.String("advertise", "", "Address peers use to reach this node (default: listen address)")
		httpAddr    = fs.String("http", def.HTTPAddress, "Listen address for the HTTP API (empty disables)")
		grpcAddr    = fs.String("grpc", "", "Listen address for the gRPC health service (empty disables)")
		secretKey   = fs.String("secret-key", "", "JWT secret key for the HTTP API")
		noAuth      = fs.Bool("no-auth", false, "Allow unauthenticated message requests (development only)")
		seeds       = fs.String("seeds", "", "Comma-separated seed peers to connect to at startup")
		dataDir     = fs.String("data-dir", "", "Directory for spooling large received messages")
		logLevel    = fs.String("log-level", def.Log.Level, "Log level: debug, info, warn or error")
		logFormat   = fs.String("log-format", def.Log.Format, "Log format: text or json")
		logFile     = fs.String("log-file", "", "Log to this file with rotation instead of stderr")
		showVersion = fs.Bool("version", false, "Show version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts := &options{configFile: *configFile, showVersion: *showVersion, config: def}
	if opts.configFile != "" {
		if err := loadFileConfig(opts.configFile, &opts.config); err != nil {
			return nil, err
		}
	}

	cfg := &opts.config
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "advertise":
			cfg.Advertise = *advertise
		case "http":
			cfg.HTTPAddress = *httpAddr
		case "grpc":
			cfg.GRPCAddress = *grpcAddr
		case "secret-key":
			cfg.SecretKey = *secretKey
		case "no-auth":
			cfg.NoAuth = *noAuth
		case "seeds":
			cfg.Seeds = splitList(*seeds)
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run starts the node and the HTTP API and blocks until ctx is done, then
// shuts both down
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s v%s\n", appName, appVersion)
		return nil
	}
	cfg := opts.config

	logger, logCloser, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	nodeConfig, err := cfg.nodeConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	n, err := node.NewNode(nodeConfig, node.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("error closing node", "error", err)
		}
	}()

	logger.Info("starting", "app", appName, "version", appVersion, "local", n.GetLocalID())
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var api *httpapi.Server
	var apiListener net.Listener
	if cfg.HTTPAddress != "" {
		apiListener, err = net.Listen("tcp", cfg.HTTPAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddress, err)
		}
		api = httpapi.NewServer(n, httpapi.Config{
			Address:   cfg.HTTPAddress,
			SecretKey: cfg.SecretKey,
			NoAuth:    cfg.NoAuth,
			Logger:    logger,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if api != nil {
		g.Go(func() error { return api.Serve(apiListener) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if api != nil {
			if err := api.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
			}
		}
		if err := n.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("node shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped", "local", n.GetLocalID())
	return nil
}
