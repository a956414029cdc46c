package netcode

import (
	"encoding/json"

	"golang.org/x/time/rate"

	"arena/internal/config"
	"arena/internal/game"
)

// Recorder emit limits. Recording is diagnostics, not gameplay: under load
// it drops entries rather than growing.
const (
	recorderMaxEventsPerSec = 1000
	recorderBurst           = 100
)

// vec3Tuple encodes positions and velocities as [x, y, z] in the export.
type vec3Tuple [3]float64

func tuple(v game.Vec3) vec3Tuple { return vec3Tuple{v.X, v.Y, v.Z} }

// RecordedInput is one captured input frame.
type RecordedInput struct {
	Time      float64   `json:"time"`
	Sequence  uint32    `json:"sequence"`
	Tick      uint32    `json:"tick"`
	Movement  [2]float64 `json:"movement"`
	Buttons   uint8     `json:"buttons"`
}

// RecordedSnapshotPlayer is one player inside a recorded snapshot.
type RecordedSnapshotPlayer struct {
	EntityID uint16    `json:"entityId"`
	Position vec3Tuple `json:"position"`
	Velocity vec3Tuple `json:"velocity"`
	Health   uint8     `json:"health"`
}

// RecordedSnapshot is one captured snapshot.
type RecordedSnapshot struct {
	Time    float64                  `json:"time"`
	Tick    uint32                   `json:"tick"`
	Players []RecordedSnapshotPlayer `json:"players"`
	Scores  [][2]uint32              `json:"scores"` // [playerId, score]
}

// RecordedReconciliation is one captured reconciliation.
type RecordedReconciliation struct {
	Time           float64 `json:"time"`
	Tick           uint32  `json:"tick"`
	ErrorMagnitude float64 `json:"errorMagnitude"`
	InputsReplayed int     `json:"inputsReplayed"`
}

// RecordingMetadata summarizes an export.
type RecordingMetadata struct {
	Version             int      `json:"version"`
	RecordedAt          float64  `json:"recordedAt"`
	InputCount          int      `json:"inputCount"`
	SnapshotCount       int      `json:"snapshotCount"`
	ReconciliationCount int      `json:"reconciliationCount"`
	MaxPredictionError  *float64 `json:"maxPredictionError,omitempty"`
}

// Recording is the diagnostics export shape.
type Recording struct {
	StartTime       float64                  `json:"startTime"`
	EndTime         float64                  `json:"endTime"`
	DurationMs      float64                  `json:"durationMs"`
	Inputs          []RecordedInput          `json:"inputs"`
	Snapshots       []RecordedSnapshot       `json:"snapshots"`
	Reconciliations []RecordedReconciliation `json:"reconciliations"`
	Metadata        RecordingMetadata        `json:"metadata"`
}

// Recorder captures inputs, snapshots and reconciliations off the hot path
// for later export. Entries older than the recording window are pruned on
// each insert.
type Recorder struct {
	cfg     config.ClientConfig
	limiter *rate.Limiter

	inputs          []RecordedInput
	snapshots       []RecordedSnapshot
	reconciliations []RecordedReconciliation
	startTime       float64
	lastTime        float64
}

// NewRecorder creates an empty recorder.
func NewRecorder(cfg config.ClientConfig) *Recorder {
	return &Recorder{
		cfg:     cfg,
		limiter: rate.NewLimiter(recorderMaxEventsPerSec, recorderBurst),
	}
}

// RecordInput captures one input frame.
func (r *Recorder) RecordInput(input game.InputPacket, now float64) {
	if !r.limiter.Allow() {
		return
	}
	r.touch(now)
	r.inputs = append(r.inputs, RecordedInput{
		Time:     now,
		Sequence: input.SequenceNumber,
		Tick:     input.TickNumber,
		Movement: [2]float64{input.MovementX, input.MovementY},
		Buttons:  input.Buttons,
	})
	r.prune(now)
}

// RecordSnapshot captures one received snapshot.
func (r *Recorder) RecordSnapshot(s game.StateSnapshot, now float64) {
	if !r.limiter.Allow() {
		return
	}
	r.touch(now)

	rs := RecordedSnapshot{Time: now, Tick: s.TickNumber}
	for _, p := range s.Players {
		rs.Players = append(rs.Players, RecordedSnapshotPlayer{
			EntityID: p.EntityID,
			Position: tuple(p.Position),
			Velocity: tuple(p.Velocity),
			Health:   p.Health,
		})
	}
	for id, score := range s.Scores {
		rs.Scores = append(rs.Scores, [2]uint32{uint32(id), score})
	}
	r.snapshots = append(r.snapshots, rs)
	r.prune(now)
}

// RecordReconciliation captures one reconciliation.
func (r *Recorder) RecordReconciliation(tick uint32, errorMagnitude float64, inputsReplayed int, now float64) {
	if !r.limiter.Allow() {
		return
	}
	r.touch(now)
	r.reconciliations = append(r.reconciliations, RecordedReconciliation{
		Time:           now,
		Tick:           tick,
		ErrorMagnitude: errorMagnitude,
		InputsReplayed: inputsReplayed,
	})
	r.prune(now)
}

func (r *Recorder) touch(now float64) {
	if r.startTime == 0 {
		r.startTime = now
	}
	if now > r.lastTime {
		r.lastTime = now
	}
}

func (r *Recorder) prune(now float64) {
	cutoff := now - r.cfg.MaxRecordingDurationMs

	i := 0
	for i < len(r.inputs) && r.inputs[i].Time < cutoff {
		i++
	}
	r.inputs = r.inputs[i:]

	i = 0
	for i < len(r.snapshots) && r.snapshots[i].Time < cutoff {
		i++
	}
	r.snapshots = r.snapshots[i:]

	i = 0
	for i < len(r.reconciliations) && r.reconciliations[i].Time < cutoff {
		i++
	}
	r.reconciliations = r.reconciliations[i:]
}

// Export assembles the recording. now stamps the metadata.
func (r *Recorder) Export(now float64) Recording {
	meta := RecordingMetadata{
		Version:             1,
		RecordedAt:          now,
		InputCount:          len(r.inputs),
		SnapshotCount:       len(r.snapshots),
		ReconciliationCount: len(r.reconciliations),
	}
	if len(r.reconciliations) > 0 {
		maxErr := 0.0
		for _, rec := range r.reconciliations {
			if rec.ErrorMagnitude > maxErr {
				maxErr = rec.ErrorMagnitude
			}
		}
		meta.MaxPredictionError = &maxErr
	}

	return Recording{
		StartTime:       r.startTime,
		EndTime:         r.lastTime,
		DurationMs:      r.lastTime - r.startTime,
		Inputs:          append([]RecordedInput(nil), r.inputs...),
		Snapshots:       append([]RecordedSnapshot(nil), r.snapshots...),
		Reconciliations: append([]RecordedReconciliation(nil), r.reconciliations...),
		Metadata:        meta,
	}
}

// ExportJSON marshals the recording.
func (r *Recorder) ExportJSON(now float64) ([]byte, error) {
	return json.Marshal(r.Export(now))
}
