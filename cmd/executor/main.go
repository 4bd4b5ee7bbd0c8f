// The executor mirrors one master account onto one child account by
// polling the watcher's shared snapshot region.
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
	"github.com/jdtradelabs/mt5-copier/internal/executor"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/logging"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
)

const childActivityCap = 10000

func main() {
	var (
		configPath = flag.String("config", "configs/pairs.json", "path to the pairs config file")
		pairID     = flag.String("pair-id", "", "pair the child belongs to")
		childID    = flag.String("child-id", "", "child account to mirror onto")
		dataDir    = flag.String("data-dir", "data", "directory for snapshot and journal files")
		brokerName = flag.String("broker", "mt5", "broker binding to use; bindings are platform specific and register at build time, none ship with a plain build")
	)
	flag.Parse()

	if *pairID == "" || *childID == "" {
		fmt.Fprintln(os.Stderr, "missing required flags: -pair-id and -child-id")
		os.Exit(2)
	}

	logger, err := logging.New(logging.DefaultConfig(filepath.Join(*dataDir, "logs", fmt.Sprintf("executor_%s_%s.log", *pairID, *childID))))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	if err := run(logger, *configPath, *pairID, *childID, *dataDir, *brokerName); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("executor failed", zap.Error(err))
	}
	logger.Info("executor stopped")
}

func run(logger *zap.Logger, configPath, pairID, childID, dataDir, brokerName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(configPath)
	_, child, err := loader.PairChild(pairID, childID)
	if err != nil {
		return err
	}
	if !child.HasSymbols() {
		return fmt.Errorf("child %q has no symbol mappings, nothing to copy", childID)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	adapter, err := broker.Connect(brokerName, broker.Settings{
		Terminal: child.Terminal,
		Login:    child.Account,
		Password: child.Password,
		Server:   child.Server,
	})
	if err != nil {
		return fmt.Errorf("connect child terminal: %w", err)
	}
	defer adapter.Close()

	reader, err := shm.OpenReader(filepath.Join(dataDir, fmt.Sprintf("pair_%s_master.shm", pairID)))
	if err != nil {
		return err
	}
	defer reader.Close()

	feed, err := shm.CreateWriter(filepath.Join(dataDir, fmt.Sprintf("pair_%s_child_%s.shm", pairID, childID)))
	if err != nil {
		return err
	}
	defer feed.Close()

	activity := journal.NewActivityLog(
		filepath.Join(dataDir, fmt.Sprintf("activity_%s_%s.json", pairID, childID)),
		childActivityCap, logger)
	closed := journal.NewClosedTradeLog(
		filepath.Join(dataDir, fmt.Sprintf("closed_trades_%s_%s.json", pairID, childID)),
		50, logger)
	stats := journal.NewStats(filepath.Join(dataDir, "pair_stats.json"), logger)

	e := executor.New(
		executor.Options{PairID: pairID, ChildID: childID},
		loader,
		broker.WithRetry(adapter, logger),
		reader, feed, activity, closed, stats, logger)
	return e.Run(ctx)
}
