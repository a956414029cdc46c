package game

import (
	"fmt"
	"sync"
	"time"

	"arena/internal/config"
	"arena/internal/events"
)

// TickHandler runs once per simulation tick. tickNumber wraps modulo 2^32;
// consumers must treat tick arithmetic as unsigned 32-bit.
type TickHandler func(tickNumber uint32, dt float64, now float64)

// Ticker drives a monotonically increasing tick counter at a fixed rate with
// bounded catch-up. Wall-clock irregularity is absorbed by an accumulator;
// when processing falls too far behind, residual time is discarded instead of
// spiraling.
type Ticker struct {
	mu       sync.Mutex
	handlers map[int]TickHandler
	nextID   int

	tickDuration float64 // ms
	maxCatchUp   int

	currentTick uint32
	accumulator float64 // ms
	lastUpdate  time.Time

	running  bool
	stopChan chan struct{}
	stopOnce sync.Once

	bus *events.Bus
	now func() float64 // ms clock, swappable for tests
}

// NewTicker creates a scheduler. It does not start any goroutine until
// Start is called.
func NewTicker(cfg config.SimConfig, bus *events.Bus) *Ticker {
	return &Ticker{
		handlers:     make(map[int]TickHandler),
		tickDuration: 1000.0 / float64(cfg.TickRate),
		maxCatchUp:   cfg.MaxCatchUpTicks,
		stopChan:     make(chan struct{}),
		bus:          bus,
		now:          nowMs,
	}
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}

// TickDuration returns the fixed tick duration in milliseconds.
func (t *Ticker) TickDuration() float64 { return t.tickDuration }

// CurrentTick returns the current tick number.
func (t *Ticker) CurrentTick() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentTick
}

// OnTick registers a handler and returns its unsubscribe func.
func (t *Ticker) OnTick(h TickHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.handlers[id] = h

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

// Start begins the tick loop.
func (t *Ticker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.lastUpdate = time.Now()
	t.mu.Unlock()

	interval := time.Duration(t.tickDuration * float64(time.Millisecond))
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.update()
			case <-t.stopChan:
				return
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call more than once.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// update accumulates elapsed wall time and dispatches due ticks, capped at
// maxCatchUp per wake. Excess accumulated time is dropped with a warning so a
// stalled process cannot enter a catch-up death spiral.
func (t *Ticker) update() {
	t.mu.Lock()
	now := time.Now()
	elapsed := float64(now.Sub(t.lastUpdate).Nanoseconds()) / 1e6
	t.lastUpdate = now
	t.accumulator += elapsed

	var due []uint32
	for t.accumulator >= t.tickDuration && len(due) < t.maxCatchUp {
		t.accumulator -= t.tickDuration
		t.currentTick++ // uint32: wraps modulo 2^32
		due = append(due, t.currentTick)
	}

	skipped := 0
	if t.accumulator >= t.tickDuration {
		skipped = int(t.accumulator / t.tickDuration)
		t.accumulator = 0
	}
	t.mu.Unlock()

	if skipped > 0 {
		t.bus.Publish(events.Event{
			Type:      events.TypeTickCatchupWarning,
			Timestamp: t.now(),
			Payload:   events.TickCatchupPayload{SkippedTicks: skipped},
		})
	}

	dt := t.tickDuration / 1000.0
	for _, tick := range due {
		t.dispatch(tick, dt)
	}
}

// ManualTick advances exactly one tick. Tests only; never call while the
// loop is running.
func (t *Ticker) ManualTick() uint32 {
	t.mu.Lock()
	t.currentTick++
	tick := t.currentTick
	t.mu.Unlock()

	t.dispatch(tick, t.tickDuration/1000.0)
	return tick
}

// dispatch runs every handler for one tick. Handler panics are isolated:
// the error is surfaced on the bus, remaining handlers still run, and the
// counter has already advanced.
func (t *Ticker) dispatch(tick uint32, dt float64) {
	t.mu.Lock()
	handlers := make([]TickHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	now := t.now()
	for _, h := range handlers {
		t.runHandler(h, tick, dt, now)
	}
}

func (t *Ticker) runHandler(h TickHandler, tick uint32, dt float64, now float64) {
	defer func() {
		if r := recover(); r != nil {
			t.bus.Publish(events.Event{
				Type:      events.TypeTickHandlerError,
				Timestamp: t.now(),
				Payload: events.TickHandlerErrorPayload{
					TickNumber: tick,
					Error:      fmt.Sprint(r),
				},
			})
		}
	}()
	h(tick, dt, now)
}
