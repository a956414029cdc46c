package game

import (
	"fmt"

	"arena/internal/events"
)

// Spawn scoring weights. Distance from opponents dominates; an idle spawn
// slowly regains attractiveness; a spawn with an opponent on top of it is
// effectively disqualified.
const (
	SpawnReuseBonus      = 0.001 // points per ms since last use
	SpawnBlockedPenalty  = 1000.0
	SpawnBlockedDistance = 3.0 // meters
)

// SpawnSystem selects spawn points from the manifest-loaded set.
type SpawnSystem struct {
	points []SpawnPoint
	bus    *events.Bus
}

// NewSpawnSystem creates a spawn system over the world's spawn set.
func NewSpawnSystem(points []SpawnPoint, bus *events.Bus) (*SpawnSystem, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no spawn points", ErrSpawnFailed)
	}
	owned := make([]SpawnPoint, len(points))
	copy(owned, points)
	return &SpawnSystem{points: owned, bus: bus}, nil
}

// SelectSpawn picks the highest-scoring spawn given the other players'
// positions. Ties resolve to the first point in manifest order. The chosen
// point's last-used time is updated.
func (ss *SpawnSystem) SelectSpawn(playerID uint16, otherPositions []Vec3, now float64) SpawnPoint {
	bestIdx := 0
	bestScore := ss.score(&ss.points[0], otherPositions, now)

	for i := 1; i < len(ss.points); i++ {
		if s := ss.score(&ss.points[i], otherPositions, now); s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}

	ss.points[bestIdx].lastUsedAt = now
	chosen := ss.points[bestIdx]

	ss.bus.Publish(events.Event{
		Type:      events.TypePlayerSpawned,
		Timestamp: now,
		Payload:   events.PlayerSpawnedPayload{PlayerID: playerID, SpawnID: chosen.ID},
	})
	return chosen
}

func (ss *SpawnSystem) score(p *SpawnPoint, otherPositions []Vec3, now float64) float64 {
	score := (now - p.lastUsedAt) * SpawnReuseBonus
	for _, pos := range otherPositions {
		d := p.Position.DistanceTo(pos)
		score += d
		if d < SpawnBlockedDistance {
			score -= SpawnBlockedPenalty
		}
	}
	return score
}
