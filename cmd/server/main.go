package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"arena/internal/api"
	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  ARENA - AUTHORITATIVE SERVER")
	log.Println("🎮 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig := config.Load()
	log.Printf("🎮 Config: %d TPS, port %d, kills to win %d",
		appConfig.Sim.TickRate, appConfig.Server.Port, appConfig.Match.KillsToWin)

	// Arena manifest. Fall back to the built-in arena when no file is
	// configured or readable.
	world, err := game.LoadWorld(appConfig.Server.ManifestPath)
	if err != nil {
		log.Printf("💡 Manifest %s not loaded (%v), using built-in arena", appConfig.Server.ManifestPath, err)
		world = game.DefaultWorld()
	}

	bus := events.NewBus()
	bus.Subscribe(events.TypeMatchStateChanged, func(ev events.Event) {
		if p, ok := ev.Payload.(events.MatchStateChangedPayload); ok {
			log.Printf("🏟️ Match %s → %s", p.From, p.To)
		}
	})
	bus.Subscribe(events.TypeTickCatchupWarning, func(ev events.Event) {
		if p, ok := ev.Payload.(events.TickCatchupPayload); ok {
			log.Printf("⚠️ Tick catch-up: dropped %d ticks", p.SkippedTicks)
		}
	})

	server, err := api.NewServer(appConfig, world, bus)
	if err != nil {
		bus.Publish(events.Event{Type: events.TypeInitializationFailed})
		log.Fatalf("❌ Server init failed: %v", err)
	}

	// Internal observability listener (pprof + prometheus, loopback only)
	debug := api.NewDebugServer(appConfig.Debug)
	debug.Start()

	addr := fmt.Sprintf(":%d", appConfig.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("🛑 Shutting down")
		server.Stop()
		debug.Stop()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("❌ Server exited: %v", err)
		os.Exit(1)
	}
}
