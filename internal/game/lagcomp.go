package game

import (
	"fmt"
	"sort"

	"arena/internal/config"
)

// LagCompensation keeps a bounded history of world snapshots so the server
// can evaluate a shot at the time the shooter perceived the world. Rewind is
// capped at MaxRewindMs regardless of the client's claimed timestamp.
type LagCompensation struct {
	cfg       config.LagCompConfig
	snapshots []WorldSnapshot // sorted by tick; timestamps non-decreasing
	now       func() float64
}

// NewLagCompensation creates an empty history.
func NewLagCompensation(cfg config.LagCompConfig) *LagCompensation {
	return &LagCompensation{cfg: cfg, now: nowMs}
}

// RecordSnapshot appends a snapshot, keeping the store sorted by tick.
// Ticks arrive in order on the hot path, so the sort branch is the
// exception, not the rule.
func (lc *LagCompensation) RecordSnapshot(ws WorldSnapshot) {
	lc.snapshots = append(lc.snapshots, ws)
	n := len(lc.snapshots)
	if n > 1 && lc.snapshots[n-2].TickNumber > ws.TickNumber {
		sort.Slice(lc.snapshots, func(i, j int) bool {
			return lc.snapshots[i].TickNumber < lc.snapshots[j].TickNumber
		})
	}
}

// PruneOldSnapshots removes entries older than the history window.
func (lc *LagCompensation) PruneOldSnapshots(now float64) {
	cutoff := now - lc.cfg.HistoryDurationMs
	i := 0
	for i < len(lc.snapshots) && lc.snapshots[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		lc.snapshots = append(lc.snapshots[:0], lc.snapshots[i:]...)
	}
}

// Len returns the number of retained snapshots.
func (lc *LagCompensation) Len() int { return len(lc.snapshots) }

// clampRewind bounds the requested time to the allowed rewind horizon.
func (lc *LagCompensation) clampRewind(t float64) float64 {
	floor := lc.now() - lc.cfg.MaxRewindMs
	if t < floor {
		return floor
	}
	return t
}

// SnapshotAtTime returns the stored snapshot whose timestamp is closest to
// t, after clamping t to the rewind cap.
func (lc *LagCompensation) SnapshotAtTime(t float64) (WorldSnapshot, error) {
	if len(lc.snapshots) == 0 {
		return WorldSnapshot{}, fmt.Errorf("%w: no snapshot history", ErrInvalidState)
	}
	t = lc.clampRewind(t)

	// First snapshot with timestamp >= t.
	idx := sort.Search(len(lc.snapshots), func(i int) bool {
		return lc.snapshots[i].Timestamp >= t
	})

	if idx == 0 {
		return lc.snapshots[0], nil
	}
	if idx == len(lc.snapshots) {
		return lc.snapshots[idx-1], nil
	}
	before, after := lc.snapshots[idx-1], lc.snapshots[idx]
	if t-before.Timestamp <= after.Timestamp-t {
		return before, nil
	}
	return after, nil
}

// SnapshotAtTick returns the snapshot with the exact tick number.
func (lc *LagCompensation) SnapshotAtTick(tick uint32) (WorldSnapshot, error) {
	idx := sort.Search(len(lc.snapshots), func(i int) bool {
		return lc.snapshots[i].TickNumber >= tick
	})
	if idx < len(lc.snapshots) && lc.snapshots[idx].TickNumber == tick {
		return lc.snapshots[idx], nil
	}
	return WorldSnapshot{}, fmt.Errorf("%w: tick %d not in history", ErrInvalidState, tick)
}

// PlayerCapsulesAtTime reconstructs every player's capsule at time t by
// linearly interpolating between the two snapshots bracketing t. A player
// present only in the earlier snapshot is used unchanged.
func (lc *LagCompensation) PlayerCapsulesAtTime(t float64) (map[uint16]Capsule, error) {
	if len(lc.snapshots) == 0 {
		return nil, fmt.Errorf("%w: no snapshot history", ErrInvalidState)
	}
	t = lc.clampRewind(t)

	idx := sort.Search(len(lc.snapshots), func(i int) bool {
		return lc.snapshots[i].Timestamp >= t
	})

	// Off either end: nearest snapshot verbatim.
	if idx == 0 {
		return copyCapsules(lc.snapshots[0]), nil
	}
	if idx == len(lc.snapshots) {
		return copyCapsules(lc.snapshots[idx-1]), nil
	}

	before, after := lc.snapshots[idx-1], lc.snapshots[idx]
	span := after.Timestamp - before.Timestamp
	frac := 0.0
	if span > 0 {
		frac = (t - before.Timestamp) / span
	}

	out := make(map[uint16]Capsule, len(before.PlayerCapsules))
	for id, capB := range before.PlayerCapsules {
		capA, ok := after.PlayerCapsules[id]
		if !ok {
			out[id] = capB
			continue
		}
		c := capB
		c.Base = capB.Base.Lerp(capA.Base, frac)
		out[id] = c
	}
	return out, nil
}

func copyCapsules(ws WorldSnapshot) map[uint16]Capsule {
	out := make(map[uint16]Capsule, len(ws.PlayerCapsules))
	for id, c := range ws.PlayerCapsules {
		out[id] = c
	}
	return out
}
