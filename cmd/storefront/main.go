// Command storefront runs the storefront client-state runtime and its
// operator subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mzlad1/mirabeauty-sub001/internal/infra/config"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

const (
	defaultConfigPath  = "config/app.yaml"
	loggerPrefix       = "storefront "
	shutdownTimeout    = 30 * time.Second
	serverStopTimeout  = 5 * time.Second
	bridgeStopTimeout  = 5 * time.Second
	telemetryStopLimit = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

const usage = `usage: storefront [-config path] <command> [args]

commands:
  serve                              run the runtime until SIGINT/SIGTERM (default)
  cart show                          print the cart with totals
  cart add <id> <price> [qty] [name] add an item
  cart set <id> <qty>                set a line quantity (0 removes)
  cart remove <id>                   remove a line
  cart clear                         empty the cart
  preload <url>...                   check images inside one loading session
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("storefront", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgPath := fs.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()
	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(*cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.SetLogger(observability.NewSlogLogger(os.Stderr, appCfg.Logging.Format, appCfg.Logging.Level))
	logger.Printf("configuration initialised: env=%s, storage=%s, identity=%s",
		appCfg.Environment, appCfg.Storage.Backend, appCfg.Identity.Provider)

	rest := fs.Args()
	command := "serve"
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "serve":
		return serve(ctx, cancel, logger, appCfg)
	case "cart":
		rt, err := buildRuntime(ctx, logger, appCfg, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		return runCart(ctx, rt, rest, stdout)
	case "preload":
		rt, err := buildRuntime(ctx, logger, appCfg, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		return runPreload(ctx, rt, rest, stdout)
	case "help", "-h", "--help":
		_, _ = io.WriteString(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func serve(ctx context.Context, cancel context.CancelFunc, logger *log.Logger, appCfg config.AppConfig) error {
	rt, err := buildRuntime(ctx, logger, appCfg, runtimeOptions{identity: true, telemetry: true})
	if err != nil {
		return err
	}

	rt.startBridge(ctx)
	server := rt.startServer()

	if _, ok := rt.hydrator.WaitForReady(ctx); ok {
		logger.Print("identity hydrated at startup")
	}

	logger.Print("storefront started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	start := time.Now()
	if server != nil {
		shutdownStep(shutdownCtx, logger, "stopping http server", serverStopTimeout, server.Shutdown)
	}
	cancel()
	rt.close(shutdownCtx)
	logger.Printf("shutdown completed in %v", time.Since(start))
	return nil
}

func shutdownStep(ctx context.Context, logger *log.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Printf("shutdown: %s...", name)
	if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("shutdown: %s failed: %v", name, err)
		return
	}
	logger.Printf("shutdown: %s completed", name)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
