// markd is the inventory poller daemon: it watches the clearing hub's
// invoice queue, buys invoices its inventory can serve, and keeps that
// inventory in place with bridge rebalancing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/bridge/across"
	"github.com/everclear-net/mark/bridge/binance"
	"github.com/everclear-net/mark/bridge/meth"
	"github.com/everclear-net/mark/bridge/opstack"
	"github.com/everclear-net/mark/bridge/zksync"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/hub"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/planner"
	"github.com/everclear-net/mark/poller"
	"github.com/everclear-net/mark/store"
	"github.com/everclear-net/mark/wallet"
)

const clientIdentifier = "markd"

var (
	version = "1.0.0"

	configFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		Value:   "mark.toml",
		Aliases: []string{"c"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	devFlag = &cli.BoolFlag{
		Name:  "dev",
		Usage: "Use the in-memory store regardless of the configured database",
	}
)

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "the Everclear inventory poller",
	Version: version,
	Flags:   []cli.Flag{configFileFlag, verbosityFlag, devFlag},
	Action:  run,
	Commands: []*cli.Command{
		dumpConfigCommand,
		routesCommand,
		balancesCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the terminal log handler at the requested
// verbosity before anything else runs.
func setupLogging(ctx *cli.Context) {
	usecolor := isTerminal(os.Stderr)
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), usecolor)
	log.SetDefault(log.NewLogger(handler))
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// loadConfig reads, overlays and validates the configuration file named
// on the command line.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Defaults()
	if err := config.Load(ctx.String(configFileFlag.Name), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)
	logger := log.New("service", clientIdentifier)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(os.Getenv)
	if err != nil {
		return err
	}
	logger.Info("Starting inventory poller", "version", version, "environment", cfg.Environment,
		"chains", len(cfg.Chains), "routes", len(cfg.Routes))

	clients := chainclient.NewService(cfg, logger)
	defer clients.Close()

	wallets, err := wallet.NewService(cfg, secrets, logger)
	if err != nil {
		return err
	}

	var st store.Store
	if ctx.Bool(devFlag.Name) || cfg.Database.DSN == "" {
		logger.Warn("Using in-memory store, earmarks will not survive a restart")
		st = store.NewMemory()
	} else {
		st, err = store.OpenPostgres(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
	}
	defer st.Close()

	cache, err := store.OpenPurchaseCache(cfg.CacheDir, cfg.PurchaseCacheTTL(), logger)
	if err != nil {
		return fmt.Errorf("open purchase cache: %w", err)
	}
	defer cache.Close()

	hubClient, err := hub.NewClient(cfg, logger)
	if err != nil {
		return err
	}

	registry := bridge.NewRegistry()
	registry.Register(across.New(cfg, clients, logger))
	registry.Register(opstack.New(cfg, clients, logger))
	registry.Register(zksync.New(cfg, clients, logger))
	registry.Register(meth.New(cfg, clients, logger))
	if secrets.BinanceAPIKey != "" {
		registry.Register(binance.New(cfg, secrets, clients, logger))
	}
	logger.Info("Bridge adapters registered", "tags", registry.Tags())

	recorder, err := startMetrics(cfg, logger)
	if err != nil {
		return err
	}

	orc := oracle.New(cfg, clients, wallets, logger)
	pl := planner.New(cfg, registry, logger)
	svc := poller.New(cfg, st, cache, orc, pl, registry, clients, wallets, hubClient, recorder, logger)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = svc.Run(runCtx)
	logger.Info("Poller stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}
