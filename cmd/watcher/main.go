// The watcher publishes one master account's state into the shared
// snapshot region that the executors poll.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/config"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/logging"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
	"github.com/jdtradelabs/mt5-copier/internal/watcher"
)

const masterActivityCap = 100

func main() {
	var (
		configPath = flag.String("config", "configs/pairs.json", "path to the pairs config file")
		pairID     = flag.String("pair-id", "", "pair to watch")
		dataDir    = flag.String("data-dir", "data", "directory for snapshot and journal files")
		brokerName = flag.String("broker", "mt5", "broker binding to use; bindings are platform specific and register at build time, none ship with a plain build")
	)
	flag.Parse()

	if *pairID == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -pair-id")
		os.Exit(2)
	}

	logger, err := logging.New(logging.DefaultConfig(filepath.Join(*dataDir, "logs", fmt.Sprintf("watcher_%s.log", *pairID))))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	if err := run(logger, *configPath, *pairID, *dataDir, *brokerName); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("watcher failed", zap.Error(err))
	}
	logger.Info("watcher stopped")
}

func run(logger *zap.Logger, configPath, pairID, dataDir, brokerName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(configPath)
	pair, err := loader.Pair(pairID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	adapter, err := broker.Connect(brokerName, broker.Settings{
		Terminal: pair.MasterTerminal,
		Login:    pair.MasterAccount,
		Password: pair.MasterPassword,
		Server:   pair.MasterServer,
	})
	if err != nil {
		return fmt.Errorf("connect master terminal: %w", err)
	}
	defer adapter.Close()

	writer, err := shm.CreateWriter(filepath.Join(dataDir, fmt.Sprintf("pair_%s_master.shm", pairID)))
	if err != nil {
		return err
	}
	defer writer.Close()

	activity := journal.NewActivityLog(
		filepath.Join(dataDir, fmt.Sprintf("master_activity_%s.json", pairID)),
		masterActivityCap, logger)
	closed := journal.NewClosedTradeLog(
		filepath.Join(dataDir, fmt.Sprintf("closed_trades_%s.json", pairID)),
		50, logger)

	w := watcher.New(watcher.Options{PairID: pairID}, loader, adapter, writer, activity, closed, logger)
	return w.Run(ctx)
}
