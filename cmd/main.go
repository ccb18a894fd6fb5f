package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"dag-ledger/chainstate"
	"dag-ledger/config"
	"dag-ledger/dag"
	"dag-ledger/db"
	"dag-ledger/handlers"
	"dag-ledger/idlock"
	"dag-ledger/logger"
	"dag-ledger/repository"
	"dag-ledger/routers"
)

func main() {
	configPath := flag.StringP("config", "c", config.DefaultPath, "path to the config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}
	params, err := cfg.Params()
	if err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level, cfg.Log.MaxSizeKB, cfg.Log.MaxRolls); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Logger.Info("Starting DAG ledger node...", zap.String("network", params.Name))

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	repo := repository.NewRepository(ldb)

	// Load the chain state ledger, writing genesis on first start
	genesisHash, err := dag.GenesisEntry(params).Hash()
	if err != nil {
		logger.Logger.Fatal("Failed to hash genesis entry", zap.Error(err))
	}
	genesis, err := chainstate.Genesis(params, genesisHash)
	if err != nil {
		logger.Logger.Fatal("Failed to build genesis chain state", zap.Error(err))
	}
	ledger, err := chainstate.Open(repo, genesis)
	if err != nil {
		logger.Logger.Fatal("Failed to load chain state ledger", zap.Error(err))
	}
	latest := ledger.Latest()
	logger.Logger.Info("Chain state ledger loaded",
		zap.Uint64("height", latest.Height),
		zap.Stringer("difficulty", latest.Difficulty),
		zap.String("weight", latest.Weight.String()))

	locks := idlock.New(cfg.Lock.IdleTimeout)
	locks.Start(cfg.Lock.SweepInterval)
	defer locks.Stop()

	// Initialize DAG service
	d, err := dag.NewDAG(repo, ledger, locks, params, dag.OptionsFromConfig(cfg))
	if err != nil {
		logger.Logger.Fatal("Failed to initialize DAG", zap.Error(err))
	}

	// Drop pending entries whose parents never arrived
	expireInterval := cfg.Pending.Timeout / 2
	if expireInterval <= 0 {
		expireInterval = time.Minute
	}
	quit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(expireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.ExpirePending()
			case <-quit:
				return
			}
		}
	}()
	defer close(quit)

	// Initialize HTTP handlers
	h := handlers.NewHandler(d)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Error("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.Error("Server shutdown failed", zap.Error(err))
	}
}
