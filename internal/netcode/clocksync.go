// Package netcode is the client side of the engine: prediction,
// reconciliation, remote-entity interpolation, clock synchronization and
// diagnostics recording.
package netcode

import (
	"sort"

	"arena/internal/config"
	"arena/internal/events"
)

// ClockSample is one sync exchange's measurement.
type ClockSample struct {
	Offset float64
	RTT    float64
}

// ClockSync estimates the server clock offset from NTP-style exchanges.
// Medians are taken independently over offsets and RTTs so a single outlier
// sample cannot skew calibration.
type ClockSync struct {
	cfg config.ClientConfig
	bus *events.Bus

	samples          []ClockSample
	calibrated       bool
	calibratedOffset float64
	calibratedRTT    float64
}

// NewClockSync creates an uncalibrated clock.
func NewClockSync(cfg config.ClientConfig, bus *events.Bus) *ClockSync {
	return &ClockSync{cfg: cfg, bus: bus}
}

// AddSample ingests one exchange: the client's send time, the server's time
// stamped in the response, and the client's receive time. Calibration runs
// once the sample window is full.
func (cs *ClockSync) AddSample(clientSend, serverTime, clientReceive float64) {
	rtt := clientReceive - clientSend
	offset := serverTime - (clientSend + rtt/2)

	cs.samples = append(cs.samples, ClockSample{Offset: offset, RTT: rtt})
	if len(cs.samples) > cs.cfg.ClockSampleCount {
		cs.samples = cs.samples[len(cs.samples)-cs.cfg.ClockSampleCount:]
	}

	if len(cs.samples) >= cs.cfg.ClockSampleCount {
		cs.calibrate(clientReceive)
	}
}

func (cs *ClockSync) calibrate(now float64) {
	offsets := make([]float64, len(cs.samples))
	rtts := make([]float64, len(cs.samples))
	for i, s := range cs.samples {
		offsets[i] = s.Offset
		rtts[i] = s.RTT
	}
	sort.Float64s(offsets)
	sort.Float64s(rtts)

	wasCalibrated := cs.calibrated
	cs.calibratedOffset = median(offsets)
	cs.calibratedRTT = median(rtts)
	cs.calibrated = true

	if !wasCalibrated {
		cs.bus.Publish(events.Event{
			Type:      events.TypeClockSyncComplete,
			Timestamp: now,
			Payload:   events.ClockSyncPayload{Offset: cs.calibratedOffset, RTT: cs.calibratedRTT},
		})
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// IsCalibrated reports whether enough samples have been collected.
func (cs *ClockSync) IsCalibrated() bool { return cs.calibrated }

// Offset returns the calibrated server-minus-client offset in ms.
func (cs *ClockSync) Offset() float64 { return cs.calibratedOffset }

// RTT returns the calibrated round-trip time in ms.
func (cs *ClockSync) RTT() float64 { return cs.calibratedRTT }

// ServerTimeToLocal converts a server timestamp to the local clock.
func (cs *ClockSync) ServerTimeToLocal(serverTime float64) float64 {
	return serverTime - cs.calibratedOffset
}

// LocalTimeToServer converts a local timestamp to the server clock.
func (cs *ClockSync) LocalTimeToServer(localTime float64) float64 {
	return localTime + cs.calibratedOffset
}

// CheckDrift compares an authoritative server timestamp against the local
// clock's idea of server time. Excessive drift clears calibration, forcing
// a fresh sample window.
func (cs *ClockSync) CheckDrift(serverTime, localTime float64) bool {
	if !cs.calibrated {
		return false
	}

	diff := serverTime - cs.LocalTimeToServer(localTime)
	if diff < 0 {
		diff = -diff
	}
	if diff <= cs.cfg.ResyncThresholdMs {
		return false
	}

	cs.bus.Publish(events.Event{
		Type:      events.TypeClockDriftDetected,
		Timestamp: localTime,
		Payload:   events.ClockDriftPayload{DriftMs: diff},
	})
	cs.samples = cs.samples[:0]
	cs.calibrated = false
	return true
}
