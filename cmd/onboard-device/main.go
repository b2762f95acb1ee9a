// Command onboard-device runs the scripted onboarding conversation in a
// terminal, with stdin standing in for speech recognition.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"onboardvoice/internal/backend"
	"onboardvoice/internal/config"
	"onboardvoice/internal/device"
	"onboardvoice/internal/model"
	"onboardvoice/internal/snapshot"
	"onboardvoice/internal/stepsync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	backendURL := flag.String("backend", cfg.BackendURL, "backend base URL for step sync")
	useRedis := flag.Bool("redis", false, "keep snapshots in Redis at REDIS_ADDR instead of memory")
	verbose := flag.Bool("v", false, "log everything to stderr, not only errors")
	flag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	if !*verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var store snapshot.Store = snapshot.NewMemoryStore(16, cfg.SnapshotTTL)
	if *useRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		store = snapshot.NewRedisStore(rdb, cfg.SnapshotTTL, logger)
	}

	coordinator := stepsync.NewCoordinator(backend.NewClient(*backendURL, cfg.BackendToken), logger)

	listener := newConsoleListener(os.Stdin)
	obs := &consoleObserver{out: os.Stdout, done: make(chan model.Fields, 1)}
	sessionID := ulid.Make().String()
	newController := func() *device.Controller {
		return device.New(device.Config{
			SessionID:       sessionID,
			Speaker:         &consoleSpeaker{out: os.Stdout},
			Listener:        listener,
			Store:           store,
			Sync:            coordinator,
			Observer:        obs,
			Log:             logger,
			FreshnessWindow: cfg.SnapshotTTL,
		})
	}

	ctx := context.Background()
	ctrl := newController()
	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("Cannot start conversation", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case fields := <-obs.done:
			out, _ := json.MarshalIndent(fields, "", "  ")
			fmt.Printf("collected:\n%s\n", out)
			running = false
		case line := <-listener.Commands():
			ctrl = handleCommand(ctx, line, ctrl, store, newController)
		case <-listener.Closed():
			running = false
		case <-quit:
			running = false
		}
	}

	ctrl.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordinator.Close(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "step sync still pending: %v\n", err)
	}
}

// handleCommand runs "/connect <kind>" and "/back <status>" and returns the
// controller that owns the conversation afterwards.
func handleCommand(ctx context.Context, line string, ctrl *device.Controller, store snapshot.Store, fresh func() *device.Controller) *device.Controller {
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch cmd {
	case "connect":
		if arg == "" {
			arg = "calendar"
		}
		if err := ctrl.RequestExternalAction(ctx, arg); err != nil {
			fmt.Printf("cannot start %s: %v\n", arg, err)
		}
		return ctrl
	case "back":
		snap, err := store.Load(ctx, ctrl.SessionID())
		next := fresh()
		if err == nil {
			if snap.PendingAction != nil {
				snap.PendingAction.Outcome = model.ExternalOutcome(strings.TrimSpace(arg))
			}
			if err = next.Resume(ctx, snap); err == nil {
				ctrl.Close()
				return next
			}
		}
		fmt.Printf("cannot resume (%v), starting over\n", err)
		if err := next.Start(ctx); err != nil {
			fmt.Printf("cannot restart: %v\n", err)
			return ctrl
		}
		ctrl.Close()
		return next
	default:
		fmt.Printf("unknown command /%s\n", cmd)
		return ctrl
	}
}
