package game

import (
	"log"
	"math"

	"arena/internal/config"
	"arena/internal/events"
)

// MatchMachine is the small-N deathmatch state machine. Transitions follow a
// fixed table; every other transition is rejected. Progression is monotone
// except the countdown→waiting regression when a player leaves during
// countdown.
type MatchMachine struct {
	cfg        config.MatchConfig
	bus        *events.Bus
	state      MatchState
	stateStart float64 // ms, when the current state was entered
	connected  map[uint16]bool
	scores     map[uint16]uint32
	winnerID   uint16
	hasWinner  bool

	lastCountdownSecond int
}

// NewMatchMachine creates a machine in the waiting state.
func NewMatchMachine(cfg config.MatchConfig, bus *events.Bus) *MatchMachine {
	return &MatchMachine{
		cfg:       cfg,
		bus:       bus,
		state:     MatchWaiting,
		connected: make(map[uint16]bool),
		scores:    make(map[uint16]uint32),
	}
}

// State returns the current match state.
func (m *MatchMachine) State() MatchState { return m.state }

// WinnerID returns the winner, valid once the match has ended.
func (m *MatchMachine) WinnerID() (uint16, bool) { return m.winnerID, m.hasWinner }

// Scores returns a copy of the score table.
func (m *MatchMachine) Scores() map[uint16]uint32 {
	out := make(map[uint16]uint32, len(m.scores))
	for id, s := range m.scores {
		out[id] = s
	}
	return out
}

// PlayerConnected registers a player and re-evaluates population-driven
// transitions.
func (m *MatchMachine) PlayerConnected(id uint16, now float64) {
	m.connected[id] = true
	if _, ok := m.scores[id]; !ok {
		m.scores[id] = 0
	}

	if m.state == MatchWaiting && len(m.connected) >= m.cfg.RequiredPlayers {
		m.transition(MatchCountdown, now)
	}
}

// PlayerDisconnected removes a player. Disconnecting during play ends the
// match: the remaining player wins, or the match goes straight to cleanup
// when it empties entirely (including when the last player leaves an
// ended match).
func (m *MatchMachine) PlayerDisconnected(id uint16, now float64) {
	delete(m.connected, id)

	switch m.state {
	case MatchCountdown:
		if len(m.connected) < m.cfg.RequiredPlayers {
			m.transition(MatchWaiting, now)
		}
	case MatchPlaying:
		if len(m.connected) == 0 {
			m.transition(MatchCleanup, now)
			return
		}
		if len(m.connected) < m.cfg.RequiredPlayers {
			// Award to the remainder.
			for rem := range m.connected {
				m.winnerID = rem
				m.hasWinner = true
			}
			m.transition(MatchEnded, now)
		}
	case MatchEnded:
		if len(m.connected) == 0 {
			m.transition(MatchCleanup, now)
		}
	}
}

// RecordKill credits a kill. No-op unless the match is playing.
func (m *MatchMachine) RecordKill(killerID uint16, now float64) {
	if m.state != MatchPlaying {
		return
	}
	m.scores[killerID]++

	if m.scores[killerID] >= m.cfg.KillsToWin {
		m.winnerID = killerID
		m.hasWinner = true
		m.transition(MatchEnded, now)
	}
}

// Update advances time-driven transitions.
func (m *MatchMachine) Update(now float64) {
	switch m.state {
	case MatchCountdown:
		remaining := m.cfg.CountdownDurationMs - (now - m.stateStart)
		if remaining <= 0 {
			m.transition(MatchPlaying, now)
			return
		}
		sec := int(math.Ceil(remaining / 1000))
		if sec != m.lastCountdownSecond {
			m.lastCountdownSecond = sec
			m.bus.Publish(events.Event{
				Type:      events.TypeCountdownTick,
				Timestamp: now,
				Payload:   events.CountdownTickPayload{SecondsRemaining: sec},
			})
		}
	case MatchEnded:
		if now-m.stateStart >= m.cfg.ResultsDurationMs {
			m.transition(MatchCleanup, now)
		}
	}
}

// legalTransition is the transition table. Anything not listed is rejected.
func legalTransition(from, to MatchState) bool {
	switch {
	case from == MatchWaiting && to == MatchCountdown:
		return true
	case from == MatchCountdown && to == MatchWaiting:
		return true
	case from == MatchCountdown && to == MatchPlaying:
		return true
	case from == MatchPlaying && to == MatchEnded:
		return true
	case from == MatchPlaying && to == MatchCleanup:
		return true // full disconnect during play
	case from == MatchEnded && to == MatchCleanup:
		return true
	}
	return false
}

func (m *MatchMachine) transition(to MatchState, now float64) {
	if !legalTransition(m.state, to) {
		log.Printf("⚠️ Rejected match transition %s → %s", m.state, to)
		return
	}

	from := m.state
	m.state = to
	m.stateStart = now
	m.lastCountdownSecond = 0

	m.bus.Publish(events.Event{
		Type:      events.TypeMatchStateChanged,
		Timestamp: now,
		Payload:   events.MatchStateChangedPayload{From: from.String(), To: to.String()},
	})

	switch to {
	case MatchPlaying:
		log.Printf("🎮 Match started (%d players)", len(m.connected))
		m.bus.Publish(events.Event{Type: events.TypeMatchStart, Timestamp: now})
	case MatchEnded:
		log.Printf("🏁 Match ended, winner=%d", m.winnerID)
		m.bus.Publish(events.Event{
			Type:      events.TypeMatchEnd,
			Timestamp: now,
			Payload:   events.MatchEndPayload{WinnerID: m.winnerID, Scores: m.Scores()},
		})
	}
}
