// The bot is a headless client: it connects, calibrates its clock, then runs
// a scripted duel loop through the full prediction/interpolation stack.
// Useful for soak testing a server and for reproducing netcode issues
// without a renderer.
package main

import (
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/netcode"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	url := os.Getenv("ARENA_URL")
	if url == "" {
		url = "ws://localhost:3000/ws"
	}

	appConfig := config.Load()
	world, err := game.LoadWorld(appConfig.Server.ManifestPath)
	if err != nil {
		world = game.DefaultWorld()
	}

	bus := events.NewBus()
	bus.Subscribe(events.TypeDesyncDetected, func(ev events.Event) {
		if p, ok := ev.Payload.(events.DesyncPayload); ok {
			log.Printf("⚠️ Desync: %.3fm", p.ErrorMagnitude)
		}
	})
	bus.Subscribe(events.TypeReconciliation, func(ev events.Event) {
		if p, ok := ev.Payload.(events.ReconciliationPayload); ok {
			log.Printf("🔁 Reconciled: err=%.3fm replayed=%d", p.ErrorMagnitude, p.InputsReplayed)
		}
	})
	bus.Subscribe(events.TypeHighLatency, func(ev events.Event) {
		if p, ok := ev.Payload.(events.HighLatencyPayload); ok {
			log.Printf("🐢 High latency: %.0fms RTT", p.RTT)
		}
	})
	bus.Subscribe(events.TypeMatchEnd, func(ev events.Event) {
		if p, ok := ev.Payload.(events.MatchEndPayload); ok {
			log.Printf("🏁 Match over, winner=%d", p.WinnerID)
		}
	})

	client := netcode.NewClient(appConfig.Client, appConfig.Net, appConfig.Sim, world, bus)

	log.Printf("🤖 Connecting to %s", url)
	if err := client.Connect(url); err != nil {
		log.Fatalf("❌ Connect failed: %v", err)
	}
	if err := client.Calibrate(); err != nil {
		log.Fatalf("❌ Clock calibration failed: %v", err)
	}
	log.Printf("⏱️ Clock calibrated: offset=%.1fms rtt=%.1fms", client.Clock().Offset(), client.Clock().RTT())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Scripted duel loop at the input rate: orbit the arena center, fire in
	// bursts, jump occasionally.
	inputTicker := time.NewTicker(16 * time.Millisecond)
	defer inputTicker.Stop()

	frame := 0
	for {
		select {
		case <-sigChan:
			shutdown(client)
			return
		case <-inputTicker.C:
			frame++

			moveX := math.Sin(float64(frame) / 60)
			moveY := 1.0
			var buttons uint8
			if frame%180 == 0 {
				buttons |= game.ButtonJump
			}
			if frame%30 == 0 {
				buttons |= game.ButtonFire
			}
			lookX := int16(10 * math.Sin(float64(frame)/120))

			if err := client.SendInput(moveX, moveY, lookX, 0, buttons); err != nil {
				log.Printf("⚠️ Send failed: %v", err)
			}

			if frame%300 == 0 {
				pos := client.PredictedState().Position
				remotes := client.RemoteEntities()
				log.Printf("🤖 pos=(%.1f, %.1f, %.1f) remotes=%d pending=%d",
					pos.X, pos.Y, pos.Z, len(remotes), client.Prediction().PendingCount())
			}
		}
	}
}

func shutdown(client *netcode.Client) {
	log.Println("🛑 Disconnecting")
	client.Disconnect()

	// Dump the diagnostics recording for postmortem.
	data, err := client.Recorder().ExportJSON(float64(time.Now().UnixNano()) / 1e6)
	if err != nil {
		log.Printf("⚠️ Recording export failed: %v", err)
		return
	}
	path := "bot-recording.json"
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("⚠️ Recording write failed: %v", err)
		return
	}
	log.Printf("📼 Recording written to %s (%d bytes)", path, len(data))
}
