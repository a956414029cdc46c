package config

import "testing"

// TestDefaultsWithoutEnv verifies Load returns the documented defaults when
// nothing is overridden.
func TestDefaultsWithoutEnv(t *testing.T) {
	cfg := Load()

	if cfg.Sim.TickRate != 60 || cfg.Sim.MaxCatchUpTicks != 3 {
		t.Errorf("Sim defaults: %+v", cfg.Sim)
	}
	if cfg.Combat.MaxHealth != 100 || cfg.Combat.HitRadiusForgiveness != 0.2 {
		t.Errorf("Combat defaults: %+v", cfg.Combat)
	}
	if !cfg.Debug.Enabled || cfg.Debug.ListenAddr != "127.0.0.1:6060" {
		t.Errorf("Debug defaults: %+v", cfg.Debug)
	}
}

// TestEnvOverrides verifies int and float environment overrides reach their
// subsystems.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICK_RATE", "30")
	t.Setenv("WEAPON_RANGE", "80.5")
	t.Setenv("HIT_FORGIVENESS", "0")
	t.Setenv("RECONCILE_THRESHOLD", "0.25")
	t.Setenv("LAGCOMP_MAX_REWIND_MS", "400")
	t.Setenv("HIGH_LATENCY_MS", "350")
	t.Setenv("AC_VIOLATION_THRESHOLD", "9")
	t.Setenv("DEBUG_SERVER", "false")

	cfg := Load()

	if cfg.Sim.TickRate != 30 {
		t.Errorf("TickRate: %d", cfg.Sim.TickRate)
	}
	if cfg.Combat.WeaponRange != 80.5 {
		t.Errorf("WeaponRange: %v", cfg.Combat.WeaponRange)
	}
	if cfg.Combat.HitRadiusForgiveness != 0 {
		t.Errorf("HitRadiusForgiveness: %v", cfg.Combat.HitRadiusForgiveness)
	}
	if cfg.Client.ReconciliationThreshold != 0.25 {
		t.Errorf("ReconciliationThreshold: %v", cfg.Client.ReconciliationThreshold)
	}
	if cfg.LagComp.MaxRewindMs != 400 {
		t.Errorf("MaxRewindMs: %v", cfg.LagComp.MaxRewindMs)
	}
	if cfg.Net.HighLatencyThresholdMs != 350 {
		t.Errorf("HighLatencyThresholdMs: %v", cfg.Net.HighLatencyThresholdMs)
	}
	if cfg.AntiCheat.ViolationThreshold != 9 {
		t.Errorf("ViolationThreshold: %d", cfg.AntiCheat.ViolationThreshold)
	}
	if cfg.Debug.Enabled {
		t.Error("Debug listener not disabled")
	}
}

// TestInvalidEnvIgnored verifies malformed values fall back to defaults.
func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("TICK_RATE", "fast")
	t.Setenv("WEAPON_RANGE", "not-a-number")

	cfg := Load()
	if cfg.Sim.TickRate != 60 {
		t.Errorf("TickRate: %d", cfg.Sim.TickRate)
	}
	if cfg.Combat.WeaponRange != 150 {
		t.Errorf("WeaponRange: %v", cfg.Combat.WeaponRange)
	}
}
