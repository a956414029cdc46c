// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for all simulation and network settings.
//
// IMPORTANT: When changing values, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"os"
	"strconv"
)

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds fixed-timestep scheduler settings.
type SimConfig struct {
	TickRate        int // Simulation ticks per second
	MaxCatchUpTicks int // Ticks processed per wake before residual time is dropped
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	return SimConfig{
		TickRate:        60,
		MaxCatchUpTicks: 3,
	}
}

// SimFromEnv returns simulation configuration with environment overrides.
func SimFromEnv() SimConfig {
	cfg := DefaultSim()

	if r := getEnvInt("TICK_RATE", 0); r > 0 {
		cfg.TickRate = r
	}
	if c := getEnvInt("MAX_CATCHUP_TICKS", 0); c > 0 {
		cfg.MaxCatchUpTicks = c
	}

	return cfg
}

// =============================================================================
// COMBAT CONFIGURATION
// =============================================================================

// CombatConfig holds weapon and respawn balance. Server-authoritative;
// clients cannot modify these.
type CombatConfig struct {
	MaxHealth                 int
	Damage                    int
	WeaponRange               float64 // meters
	FireRateCooldownMs        float64
	RespawnTimeMs             float64
	InvulnerabilityDurationMs float64
	HitRadiusForgiveness      float64 // meters added to capsule radius
}

// DefaultCombat returns the default combat configuration.
func DefaultCombat() CombatConfig {
	return CombatConfig{
		MaxHealth:                 100,
		Damage:                    25,
		WeaponRange:               150,
		FireRateCooldownMs:        250,
		RespawnTimeMs:             3000,
		InvulnerabilityDurationMs: 2000,
		HitRadiusForgiveness:      0.2,
	}
}

// CombatFromEnv returns combat configuration with environment overrides.
func CombatFromEnv() CombatConfig {
	cfg := DefaultCombat()

	if h := getEnvInt("MAX_HEALTH", 0); h > 0 {
		cfg.MaxHealth = h
	}
	if d := getEnvInt("WEAPON_DAMAGE", 0); d > 0 {
		cfg.Damage = d
	}
	if r := getEnvFloat("WEAPON_RANGE", 0); r > 0 {
		cfg.WeaponRange = r
	}
	if c := getEnvFloat("FIRE_COOLDOWN_MS", 0); c > 0 {
		cfg.FireRateCooldownMs = c
	}
	if r := getEnvFloat("RESPAWN_MS", 0); r > 0 {
		cfg.RespawnTimeMs = r
	}
	if i := getEnvFloat("INVULN_MS", 0); i > 0 {
		cfg.InvulnerabilityDurationMs = i
	}
	if f := getEnvFloat("HIT_FORGIVENESS", -1); f >= 0 {
		cfg.HitRadiusForgiveness = f
	}

	return cfg
}

// =============================================================================
// MATCH CONFIGURATION
// =============================================================================

// MatchConfig holds match state machine timing and win conditions.
type MatchConfig struct {
	RequiredPlayers     int
	KillsToWin          uint32
	CountdownDurationMs float64
	ResultsDurationMs   float64
}

// DefaultMatch returns the default match configuration.
func DefaultMatch() MatchConfig {
	return MatchConfig{
		RequiredPlayers:     2,
		KillsToWin:          10,
		CountdownDurationMs: 5000,
		ResultsDurationMs:   8000,
	}
}

// MatchFromEnv returns match configuration with environment overrides.
func MatchFromEnv() MatchConfig {
	cfg := DefaultMatch()

	if k := getEnvInt("KILLS_TO_WIN", 0); k > 0 {
		cfg.KillsToWin = uint32(k)
	}
	if c := getEnvInt("COUNTDOWN_MS", 0); c > 0 {
		cfg.CountdownDurationMs = float64(c)
	}

	return cfg
}

// =============================================================================
// ANTI-CHEAT CONFIGURATION
// =============================================================================

// AntiCheatConfig holds movement validation tolerances.
type AntiCheatConfig struct {
	MaxSpeedMultiplier      float64 // allowed speed headroom over physics max
	CoyoteTimeMs            float64 // grace window after leaving ground
	MaxTimestampDeviationMs float64
	ViolationWindowMs       float64
	ViolationThreshold      int
}

// DefaultAntiCheat returns the default anti-cheat configuration.
func DefaultAntiCheat() AntiCheatConfig {
	return AntiCheatConfig{
		MaxSpeedMultiplier:      1.5,
		CoyoteTimeMs:            100,
		MaxTimestampDeviationMs: 2000,
		ViolationWindowMs:       10000,
		ViolationThreshold:      5,
	}
}

// AntiCheatFromEnv returns anti-cheat configuration with environment
// overrides.
func AntiCheatFromEnv() AntiCheatConfig {
	cfg := DefaultAntiCheat()

	if m := getEnvFloat("AC_SPEED_MULTIPLIER", 0); m > 0 {
		cfg.MaxSpeedMultiplier = m
	}
	if d := getEnvFloat("AC_MAX_TS_DEVIATION_MS", 0); d > 0 {
		cfg.MaxTimestampDeviationMs = d
	}
	if t := getEnvInt("AC_VIOLATION_THRESHOLD", 0); t > 0 {
		cfg.ViolationThreshold = t
	}

	return cfg
}

// =============================================================================
// LAG COMPENSATION CONFIGURATION
// =============================================================================

// LagCompConfig holds snapshot history bounds.
type LagCompConfig struct {
	HistoryDurationMs float64 // how long snapshots are retained
	MaxRewindMs       float64 // hard cap on shot rewind
}

// DefaultLagComp returns the default lag compensation configuration.
func DefaultLagComp() LagCompConfig {
	return LagCompConfig{
		HistoryDurationMs: 1000,
		MaxRewindMs:       250,
	}
}

// LagCompFromEnv returns lag compensation configuration with environment
// overrides.
func LagCompFromEnv() LagCompConfig {
	cfg := DefaultLagComp()

	if h := getEnvFloat("LAGCOMP_HISTORY_MS", 0); h > 0 {
		cfg.HistoryDurationMs = h
	}
	if r := getEnvFloat("LAGCOMP_MAX_REWIND_MS", 0); r > 0 {
		cfg.MaxRewindMs = r
	}

	return cfg
}

// =============================================================================
// CLIENT NETCODE CONFIGURATION
// =============================================================================

// ClientConfig holds prediction, interpolation and clock sync settings.
type ClientConfig struct {
	ReconciliationThreshold float64 // meters
	MaxPendingInputs        int
	InterpolationDelayMs    float64
	InterpolationBufferSize int
	MaxExtrapolationMs      float64
	ClockSampleCount        int
	ResyncThresholdMs       float64
	MaxRecordingDurationMs  float64
}

// DefaultClient returns the default client netcode configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ReconciliationThreshold: 0.1,
		MaxPendingInputs:        64,
		InterpolationDelayMs:    100,
		InterpolationBufferSize: 32,
		MaxExtrapolationMs:      250,
		ClockSampleCount:        10,
		ResyncThresholdMs:       100,
		MaxRecordingDurationMs:  60000,
	}
}

// ClientFromEnv returns client netcode configuration with environment
// overrides.
func ClientFromEnv() ClientConfig {
	cfg := DefaultClient()

	if t := getEnvFloat("RECONCILE_THRESHOLD", 0); t > 0 {
		cfg.ReconciliationThreshold = t
	}
	if d := getEnvFloat("INTERP_DELAY_MS", 0); d > 0 {
		cfg.InterpolationDelayMs = d
	}
	if e := getEnvFloat("MAX_EXTRAPOLATION_MS", 0); e > 0 {
		cfg.MaxExtrapolationMs = e
	}
	if s := getEnvInt("CLOCK_SAMPLES", 0); s > 0 {
		cfg.ClockSampleCount = s
	}
	if r := getEnvFloat("RESYNC_THRESHOLD_MS", 0); r > 0 {
		cfg.ResyncThresholdMs = r
	}

	return cfg
}

// =============================================================================
// TRANSPORT CONFIGURATION
// =============================================================================

// NetConfig holds transport session settings.
type NetConfig struct {
	ConnectionTimeoutMs    float64
	KeepaliveIntervalMs    float64
	KeepaliveTimeoutMs     float64
	ReconnectBaseDelayMs   float64
	ReconnectMaxDelayMs    float64
	HighLatencyThresholdMs float64
}

// DefaultNet returns the default transport configuration.
func DefaultNet() NetConfig {
	return NetConfig{
		ConnectionTimeoutMs:    5000,
		KeepaliveIntervalMs:    1000,
		KeepaliveTimeoutMs:     5000,
		ReconnectBaseDelayMs:   500,
		ReconnectMaxDelayMs:    15000,
		HighLatencyThresholdMs: 200,
	}
}

// NetFromEnv returns transport configuration with environment overrides.
func NetFromEnv() NetConfig {
	cfg := DefaultNet()

	if t := getEnvFloat("CONNECT_TIMEOUT_MS", 0); t > 0 {
		cfg.ConnectionTimeoutMs = t
	}
	if k := getEnvFloat("KEEPALIVE_MS", 0); k > 0 {
		cfg.KeepaliveIntervalMs = k
	}
	if l := getEnvFloat("HIGH_LATENCY_MS", 0); l > 0 {
		cfg.HighLatencyThresholdMs = l
	}

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int
	ManifestPath      string
	MaxConnsPerIP     int
	InboundFrameRate  float64 // inbound frames per second per connection
	InboundFrameBurst int
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:              3000,
		ManifestPath:      "assets/arena.json",
		MaxConnsPerIP:     4,
		InboundFrameRate:  120,
		InboundFrameBurst: 240,
	}
}

// ServerFromEnv returns server configuration with environment overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if m := os.Getenv("ARENA_MANIFEST"); m != "" {
		cfg.ManifestPath = m
	}

	return cfg
}

// =============================================================================
// DEBUG / OBSERVABILITY CONFIGURATION
// =============================================================================

// DebugConfig holds the internal observability listener settings. The
// listener carries pprof and prometheus and must stay on a loopback address;
// the server refuses anything else.
type DebugConfig struct {
	Enabled    bool
	ListenAddr string
}

// DefaultDebug returns the default debug listener configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugFromEnv returns debug configuration with environment overrides.
func DebugFromEnv() DebugConfig {
	cfg := DefaultDebug()

	if os.Getenv("DEBUG_SERVER") == "false" {
		cfg.Enabled = false
	}
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		cfg.ListenAddr = a
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Sim       SimConfig
	Combat    CombatConfig
	Match     MatchConfig
	AntiCheat AntiCheatConfig
	LagComp   LagCompConfig
	Client    ClientConfig
	Net       NetConfig
	Server    ServerConfig
	Debug     DebugConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Sim:       SimFromEnv(),
		Combat:    CombatFromEnv(),
		Match:     MatchFromEnv(),
		AntiCheat: AntiCheatFromEnv(),
		LagComp:   LagCompFromEnv(),
		Client:    ClientFromEnv(),
		Net:       NetFromEnv(),
		Server:    ServerFromEnv(),
		Debug:     DebugFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
