package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basecamp/internal/infra/config"
	"basecamp/internal/infra/database"
	"basecamp/internal/infra/logger"
	"basecamp/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "check":
		err = runCheck(args)
	case "encrypt":
		err = runEncrypt(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'basecamp --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`basecamp - multi-tenant agent supervisor

USAGE:
    basecamp [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP API (default)
    migrate     Apply database migrations and exit
    check       Validate the configuration and exit
    encrypt     Encrypt a secret for the config file (needs BASECAMP_CONFIG_KEY)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml, or BASECAMP_CONFIG)

CONFIGURATION:
    Environment: BASECAMP_* variables override the config file`)
}

func parseConfigFlag(name string, args []string) (string, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", defaultConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	return *path, fs.Args(), nil
}

func defaultConfigPath() string {
	if p := os.Getenv("BASECAMP_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runServe(args []string) error {
	path, _, err := parseConfigFlag("serve", args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	log.Info("basecamp started",
		"addr", a.server.BoundAddr(),
		"provider", cfg.LLM.DefaultProvider,
		"embedding", cfg.Embedding.Provider,
		"agents", len(a.registry.List("")),
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return a.stop(shutdownCtx)
}

func runMigrate(args []string) error {
	path, _, err := parseConfigFlag("migrate", args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	db, err := database.Open(context.Background(), cfg.Storage.Path, log)
	if err != nil {
		return err
	}
	fmt.Printf("database at %s is up to date\n", cfg.Storage.Path)
	return db.Close()
}

func runCheck(args []string) error {
	path, _, err := parseConfigFlag("check", args)
	if err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", path)
	return nil
}

func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: basecamp encrypt VALUE")
	}
	passphrase := os.Getenv("BASECAMP_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("BASECAMP_CONFIG_KEY is not set")
	}
	out, err := config.EncryptValue(fs.Arg(0), passphrase)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
