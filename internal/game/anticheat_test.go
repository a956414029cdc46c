package game

import (
	"errors"
	"testing"

	"arena/internal/config"
	"arena/internal/events"
)

func newAntiCheat(bus *events.Bus) *AntiCheat {
	return NewAntiCheat(config.DefaultAntiCheat(), MoveSpeed, bus)
}

// TestValidateMoveSpeed verifies the speed gate with its multiplier headroom.
func TestValidateMoveSpeed(t *testing.T) {
	ac := newAntiCheat(events.NewBus())

	prev := PlayerPhysicsState{IsGrounded: true, LastGroundedTime: 1000}

	tests := []struct {
		name    string
		nextPos Vec3
		dt      float64
		wantErr bool
	}{
		{"normal walk", Vec3{X: 0.1}, 1.0 / 60, false},
		{"near the limit", Vec3{X: MoveSpeed * 1.49 / 60}, 1.0 / 60, false},
		{"teleport", Vec3{X: 5}, 1.0 / 60, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := prev
			next.Position = tt.nextPos
			err := ac.ValidateMove(1, prev, next, MoveInput{}, tt.dt, 1000)
			if (err != nil) != tt.wantErr {
				t.Errorf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrSpeedViolation) {
				t.Errorf("Expected speed violation, got %v", err)
			}
		})
	}
}

// TestValidateMoveJump verifies airborne jumps beyond the coyote window are
// rejected, within it tolerated.
func TestValidateMoveJump(t *testing.T) {
	ac := newAntiCheat(events.NewBus())

	airborne := PlayerPhysicsState{IsGrounded: false, LastGroundedTime: 1000}
	input := MoveInput{Jump: true}

	// Within coyote time: allowed.
	if err := ac.ValidateMove(1, airborne, airborne, input, 1.0/60, 1050); err != nil {
		t.Errorf("Jump within coyote window rejected: %v", err)
	}

	// Past coyote time: rejected.
	err := ac.ValidateMove(1, airborne, airborne, input, 1.0/60, 1500)
	if !errors.Is(err, ErrInvalidJump) {
		t.Errorf("Expected invalid jump, got %v", err)
	}
}

// TestValidateTimestamp verifies the client clock deviation gate.
func TestValidateTimestamp(t *testing.T) {
	ac := newAntiCheat(events.NewBus())

	if err := ac.ValidateTimestamp(1, 10000, 10500); err != nil {
		t.Errorf("Small deviation rejected: %v", err)
	}
	if err := ac.ValidateTimestamp(1, 10000, 13000); !errors.Is(err, ErrTimestampViolation) {
		t.Errorf("Expected timestamp violation, got %v", err)
	}
}

// TestViolationThresholdKick verifies the rolling window kick.
func TestViolationThresholdKick(t *testing.T) {
	cfg := config.DefaultAntiCheat()
	bus := events.NewBus()
	ac := newAntiCheat(bus)

	var kicked *events.KickPayload
	bus.Subscribe(events.TypePlayerKicked, func(ev events.Event) {
		if p, ok := ev.Payload.(events.KickPayload); ok {
			kicked = &p
		}
	})

	// Violations inside one window, one past the threshold.
	for i := 0; i <= cfg.ViolationThreshold; i++ {
		ac.ValidateTimestamp(1, 0, 100000+float64(i))
	}

	if !ac.IsKicked(1) {
		t.Fatal("Player not kicked past threshold")
	}
	if kicked == nil {
		t.Fatal("player_kicked not emitted")
	}
	if kicked.PlayerID != 1 || kicked.Violations <= cfg.ViolationThreshold {
		t.Errorf("Kick payload: %+v", kicked)
	}
}

// TestViolationWindowExpiry verifies old violations age out of the window.
func TestViolationWindowExpiry(t *testing.T) {
	cfg := config.DefaultAntiCheat()
	ac := newAntiCheat(events.NewBus())

	// Spread violations wider than the window: never enough in any single
	// window to kick.
	step := cfg.ViolationWindowMs
	for i := 0; i <= cfg.ViolationThreshold*2; i++ {
		ac.ValidateTimestamp(1, 0, 1e6+float64(i)*step*1.1)
	}

	if ac.IsKicked(1) {
		t.Error("Kicked despite violations spread beyond the window")
	}
}
