package game

import (
	"testing"

	"arena/internal/config"
	"arena/internal/events"
)

func newMatch(bus *events.Bus) *MatchMachine {
	return NewMatchMachine(config.DefaultMatch(), bus)
}

// transitionRecorder captures match_state_changed transitions off the bus.
func transitionRecorder(bus *events.Bus) *[]events.MatchStateChangedPayload {
	var seen []events.MatchStateChangedPayload
	bus.Subscribe(events.TypeMatchStateChanged, func(ev events.Event) {
		if p, ok := ev.Payload.(events.MatchStateChangedPayload); ok {
			seen = append(seen, p)
		}
	})
	return &seen
}

// TestMatchFullTrace runs the complete happy path: two connects, countdown,
// play, win by kills, results, cleanup.
func TestMatchFullTrace(t *testing.T) {
	cfg := config.DefaultMatch()
	bus := events.NewBus()
	m := newMatch(bus)

	var endPayload *events.MatchEndPayload
	bus.Subscribe(events.TypeMatchEnd, func(ev events.Event) {
		if p, ok := ev.Payload.(events.MatchEndPayload); ok {
			endPayload = &p
		}
	})

	if m.State() != MatchWaiting {
		t.Fatalf("Initial state: %s", m.State())
	}

	m.PlayerConnected(1, 1000)
	if m.State() != MatchWaiting {
		t.Errorf("One player should stay waiting, got %s", m.State())
	}

	m.PlayerConnected(2, 2000)
	if m.State() != MatchCountdown {
		t.Fatalf("Two players: %s, want countdown", m.State())
	}

	m.Update(2000 + cfg.CountdownDurationMs - 1)
	if m.State() != MatchCountdown {
		t.Errorf("Countdown ended early: %s", m.State())
	}
	m.Update(2000 + cfg.CountdownDurationMs)
	if m.State() != MatchPlaying {
		t.Fatalf("After countdown: %s, want playing", m.State())
	}

	now := 2000 + cfg.CountdownDurationMs
	for i := uint32(0); i < cfg.KillsToWin; i++ {
		m.RecordKill(1, now+float64(i))
	}
	if m.State() != MatchEnded {
		t.Fatalf("After %d kills: %s, want ended", cfg.KillsToWin, m.State())
	}
	if winner, ok := m.WinnerID(); !ok || winner != 1 {
		t.Errorf("Winner: %d (%v)", winner, ok)
	}
	if endPayload == nil {
		t.Fatal("match_end not emitted")
	}
	if endPayload.Scores[1] != cfg.KillsToWin {
		t.Errorf("Frozen scores: %v", endPayload.Scores)
	}

	endTime := now + float64(cfg.KillsToWin)
	m.Update(endTime + cfg.ResultsDurationMs)
	if m.State() != MatchCleanup {
		t.Errorf("After results: %s, want cleanup", m.State())
	}
}

// TestMatchCountdownRegression verifies countdown returns to waiting when a
// player leaves.
func TestMatchCountdownRegression(t *testing.T) {
	m := newMatch(events.NewBus())
	m.PlayerConnected(1, 0)
	m.PlayerConnected(2, 0)
	if m.State() != MatchCountdown {
		t.Fatalf("Setup: %s", m.State())
	}

	m.PlayerDisconnected(2, 100)
	if m.State() != MatchWaiting {
		t.Errorf("After disconnect in countdown: %s, want waiting", m.State())
	}
}

// TestMatchDisconnectAwards verifies the remaining player wins when the
// opponent disconnects mid-match, and a full disconnect goes to cleanup.
func TestMatchDisconnectAwards(t *testing.T) {
	cfg := config.DefaultMatch()
	m := newMatch(events.NewBus())
	m.PlayerConnected(1, 0)
	m.PlayerConnected(2, 0)
	m.Update(cfg.CountdownDurationMs)
	if m.State() != MatchPlaying {
		t.Fatalf("Setup: %s", m.State())
	}

	m.PlayerDisconnected(2, 10000)
	if m.State() != MatchEnded {
		t.Fatalf("After opponent disconnect: %s", m.State())
	}
	if winner, ok := m.WinnerID(); !ok || winner != 1 {
		t.Errorf("Winner: %d", winner)
	}

	// Empty match during play goes straight to cleanup.
	m2 := newMatch(events.NewBus())
	m2.PlayerConnected(1, 0)
	m2.PlayerConnected(2, 0)
	m2.Update(cfg.CountdownDurationMs)
	m2.PlayerDisconnected(1, 10000)
	m2.PlayerDisconnected(2, 10001)
	if m2.State() != MatchCleanup {
		t.Errorf("After full disconnect: %s, want cleanup", m2.State())
	}
}

// TestMatchKillOutsidePlaying verifies kill recording is a no-op in every
// non-playing state.
func TestMatchKillOutsidePlaying(t *testing.T) {
	m := newMatch(events.NewBus())
	m.PlayerConnected(1, 0)

	m.RecordKill(1, 100)
	if m.Scores()[1] != 0 {
		t.Errorf("Kill counted in waiting: %v", m.Scores())
	}

	m.PlayerConnected(2, 0)
	m.RecordKill(1, 200)
	if m.Scores()[1] != 0 {
		t.Errorf("Kill counted in countdown: %v", m.Scores())
	}
}

// TestMatchIllegalTransitionsRejected drives the machine through a trace and
// asserts every emitted transition is in the legal table.
func TestMatchIllegalTransitionsRejected(t *testing.T) {
	cfg := config.DefaultMatch()
	bus := events.NewBus()
	m := newMatch(bus)
	seen := transitionRecorder(bus)

	legal := map[[2]string]bool{
		{"waiting", "countdown"}: true,
		{"countdown", "waiting"}: true,
		{"countdown", "playing"}: true,
		{"playing", "ended"}:     true,
		{"playing", "cleanup"}:   true,
		{"ended", "cleanup"}:     true,
	}

	m.PlayerConnected(1, 0)
	m.PlayerConnected(2, 0)
	m.PlayerDisconnected(2, 10)
	m.PlayerConnected(2, 20)
	m.Update(20 + cfg.CountdownDurationMs)
	for i := uint32(0); i < cfg.KillsToWin; i++ {
		m.RecordKill(2, 9000)
	}
	m.Update(9000 + cfg.ResultsDurationMs)

	for _, tr := range *seen {
		if !legal[[2]string{tr.From, tr.To}] {
			t.Errorf("Illegal transition emitted: %s → %s", tr.From, tr.To)
		}
	}
	if len(*seen) != 6 {
		t.Errorf("Expected 6 transitions, saw %d: %v", len(*seen), *seen)
	}
}

// TestMatchCountdownTicks verifies whole-second countdown events.
func TestMatchCountdownTicks(t *testing.T) {
	bus := events.NewBus()
	m := newMatch(bus)

	var secs []int
	bus.Subscribe(events.TypeCountdownTick, func(ev events.Event) {
		if p, ok := ev.Payload.(events.CountdownTickPayload); ok {
			secs = append(secs, p.SecondsRemaining)
		}
	})

	m.PlayerConnected(1, 0)
	m.PlayerConnected(2, 0)
	for now := 0.0; now < 5000; now += 100 {
		m.Update(now)
	}

	if len(secs) == 0 {
		t.Fatal("No countdown ticks emitted")
	}
	for i := 1; i < len(secs); i++ {
		if secs[i] >= secs[i-1] {
			t.Errorf("Countdown not descending: %v", secs)
			break
		}
	}
}
