// Package config loads the orchestrator configuration. The primary
// operator surface is environment variables; a viper instance provides the
// defaults, the env binding and the optional config file. The loaded
// Config is an immutable snapshot; runtime updates from the control
// surface go through Store.Update which validates and swaps atomically.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// StreamMode selects how the proxy delivers media to clients.
type StreamMode string

const (
	ModeTS  StreamMode = "TS"
	ModeHLS StreamMode = "HLS"
)

// BufferBackend selects the chunk store behind the TS ring buffer.
type BufferBackend string

const (
	BackendMemory BufferBackend = "memory"
	BackendRedis  BufferBackend = "redis"
)

// VPNMode is the sidecar topology.
type VPNMode string

const (
	VPNNone      VPNMode = "none"
	VPNSingle    VPNMode = "single"
	VPNRedundant VPNMode = "redundant"
)

// PortRange is an inclusive host or container port interval.
type PortRange struct {
	Lo int
	Hi int
}

func (r PortRange) Size() int { return r.Hi - r.Lo + 1 }

// VPNSidecar describes one gluetun-style sidecar the coordinator polls.
type VPNSidecar struct {
	Name              string
	ControlURL        string
	MaxActiveReplicas int
}

// Config is one immutable snapshot of the orchestrator configuration.
type Config struct {
	ListenAddr string
	APIToken   string

	// Engine fleet.
	EngineImage         string
	EngineConf          string // CONF passed to the engine container, may pin ports
	MinReplicas         int
	MaxReplicas         int
	MaxStreamsPerEngine int
	MinEngineLifetime   time.Duration
	ScaleCooldown       time.Duration
	ProvisionWait       time.Duration

	// Port allocation.
	HostPortRange PortRange
	AceHTTPRange  PortRange
	AceHTTPSRange PortRange

	// VPN.
	VPNMode               VPNMode
	VPNs                  []VPNSidecar
	VPNCheckInterval      time.Duration
	RecoveryStabilization time.Duration

	// Health monitor.
	HealthInterval  time.Duration
	HealthFailLimit int
	UnhealthyGrace  time.Duration

	// Stream registry.
	CollectInterval    time.Duration
	LoopCheckInterval  time.Duration
	LoopThreshold      time.Duration
	StreamTimeout      time.Duration
	EndedRetention     time.Duration
	BlacklistRetention time.Duration // zero keeps entries indefinitely

	// Proxy.
	StreamMode          StreamMode
	BufferBackend       BufferBackend
	RedisAddr           string
	ChunkSize           int
	MaxChunks           int
	ChunkTTL            time.Duration
	CatchUpThreshold    int
	HeartbeatInterval   time.Duration
	GhostMultiplier     int
	ChannelShutdownDelay time.Duration
	EmptyTimeout        time.Duration

	// HLS.
	HLSMaxSegments         int
	HLSWindowSize          int
	HLSSegmentFetchFactor  float64

	// Persistence.
	SnapshotPath  string
	BlacklistPath string

	// Logging.
	LogLevel string
	LogFile  string
}

func defaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8000")
	v.SetDefault("API_TOKEN", "")

	v.SetDefault("ENGINE_IMAGE", "acestream/engine:latest")
	v.SetDefault("ENGINE_CONF", "")
	v.SetDefault("MIN_REPLICAS", 1)
	v.SetDefault("MAX_REPLICAS", 8)
	v.SetDefault("MAX_STREAMS_PER_ENGINE", 3)
	v.SetDefault("MIN_ENGINE_LIFETIME_S", 60)
	v.SetDefault("SCALE_COOLDOWN_S", 60)
	v.SetDefault("PROVISION_WAIT_S", 15)

	v.SetDefault("PORT_RANGE_HOST", "19000-19100")
	v.SetDefault("ACE_HTTP_RANGE", "40000-41000")
	v.SetDefault("ACE_HTTPS_RANGE", "45000-46000")

	v.SetDefault("VPN_MODE", "none")
	v.SetDefault("VPN_NAMES", "")
	v.SetDefault("VPN_CONTROL_URLS", "")
	v.SetDefault("MAX_ACTIVE_REPLICAS", 0)
	v.SetDefault("VPN_CHECK_INTERVAL_S", 5)
	v.SetDefault("RECOVERY_STABILIZATION_S", 120)

	v.SetDefault("ENGINE_HEALTH_INTERVAL_S", 10)
	v.SetDefault("ENGINE_HEALTH_FAIL_LIMIT", 3)
	v.SetDefault("ENGINE_UNHEALTHY_GRACE_S", 60)

	v.SetDefault("COLLECT_INTERVAL_S", 2)
	v.SetDefault("STREAM_LOOP_CHECK_INTERVAL_S", 10)
	v.SetDefault("STREAM_LOOP_THRESHOLD_S", 3600)
	v.SetDefault("STREAM_TIMEOUT_S", 120)
	v.SetDefault("ENDED_RETENTION_S", 3600)
	v.SetDefault("RETENTION_MINUTES", 0)

	v.SetDefault("PROXY_STREAM_MODE", "TS")
	v.SetDefault("PROXY_BUFFER_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("PROXY_CHUNK_SIZE", "1MB")
	v.SetDefault("PROXY_MAX_CHUNKS", 256)
	v.SetDefault("PROXY_CHUNK_TTL_S", 60)
	v.SetDefault("PROXY_CATCH_UP_THRESHOLD", 50)
	v.SetDefault("HEARTBEAT_INTERVAL_S", 10)
	v.SetDefault("GHOST_MULTIPLIER", 5)
	v.SetDefault("CHANNEL_SHUTDOWN_DELAY_S", 5)
	v.SetDefault("EMPTY_TIMEOUT_S", 60)

	v.SetDefault("HLS_MAX_SEGMENTS", 20)
	v.SetDefault("HLS_WINDOW_SIZE", 6)
	v.SetDefault("HLS_SEGMENT_FETCH_INTERVAL", 0.5)

	v.SetDefault("SNAPSHOT_PATH", "data/fleet_state.json")
	v.SetDefault("BLACKLIST_PATH", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
}

// Load reads the configuration from the environment (and an optional
// config file path) and validates it.
func Load(file string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	hostRange, err := ParsePortRange(v.GetString("PORT_RANGE_HOST"))
	if err != nil {
		return nil, fmt.Errorf("PORT_RANGE_HOST: %w", err)
	}
	httpRange, err := ParsePortRange(v.GetString("ACE_HTTP_RANGE"))
	if err != nil {
		return nil, fmt.Errorf("ACE_HTTP_RANGE: %w", err)
	}
	httpsRange, err := ParsePortRange(v.GetString("ACE_HTTPS_RANGE"))
	if err != nil {
		return nil, fmt.Errorf("ACE_HTTPS_RANGE: %w", err)
	}

	chunkSize, err := humanize.ParseBytes(v.GetString("PROXY_CHUNK_SIZE"))
	if err != nil {
		return nil, fmt.Errorf("PROXY_CHUNK_SIZE: %w", err)
	}

	vpns, mode, err := parseVPNs(v)
	if err != nil {
		return nil, err
	}

	secs := func(key string) time.Duration {
		return time.Duration(v.GetFloat64(key) * float64(time.Second))
	}

	cfg := &Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		APIToken:   v.GetString("API_TOKEN"),

		EngineImage:         v.GetString("ENGINE_IMAGE"),
		EngineConf:          v.GetString("ENGINE_CONF"),
		MinReplicas:         v.GetInt("MIN_REPLICAS"),
		MaxReplicas:         v.GetInt("MAX_REPLICAS"),
		MaxStreamsPerEngine: v.GetInt("MAX_STREAMS_PER_ENGINE"),
		MinEngineLifetime:   secs("MIN_ENGINE_LIFETIME_S"),
		ScaleCooldown:       secs("SCALE_COOLDOWN_S"),
		ProvisionWait:       secs("PROVISION_WAIT_S"),

		HostPortRange: hostRange,
		AceHTTPRange:  httpRange,
		AceHTTPSRange: httpsRange,

		VPNMode:               mode,
		VPNs:                  vpns,
		VPNCheckInterval:      secs("VPN_CHECK_INTERVAL_S"),
		RecoveryStabilization: secs("RECOVERY_STABILIZATION_S"),

		HealthInterval:  secs("ENGINE_HEALTH_INTERVAL_S"),
		HealthFailLimit: v.GetInt("ENGINE_HEALTH_FAIL_LIMIT"),
		UnhealthyGrace:  secs("ENGINE_UNHEALTHY_GRACE_S"),

		CollectInterval:    secs("COLLECT_INTERVAL_S"),
		LoopCheckInterval:  secs("STREAM_LOOP_CHECK_INTERVAL_S"),
		LoopThreshold:      secs("STREAM_LOOP_THRESHOLD_S"),
		StreamTimeout:      secs("STREAM_TIMEOUT_S"),
		EndedRetention:     secs("ENDED_RETENTION_S"),
		BlacklistRetention: time.Duration(v.GetInt("RETENTION_MINUTES")) * time.Minute,

		StreamMode:           StreamMode(v.GetString("PROXY_STREAM_MODE")),
		BufferBackend:        BufferBackend(v.GetString("PROXY_BUFFER_BACKEND")),
		RedisAddr:            v.GetString("REDIS_ADDR"),
		ChunkSize:            int(chunkSize),
		MaxChunks:            v.GetInt("PROXY_MAX_CHUNKS"),
		ChunkTTL:             secs("PROXY_CHUNK_TTL_S"),
		CatchUpThreshold:     v.GetInt("PROXY_CATCH_UP_THRESHOLD"),
		HeartbeatInterval:    secs("HEARTBEAT_INTERVAL_S"),
		GhostMultiplier:      v.GetInt("GHOST_MULTIPLIER"),
		ChannelShutdownDelay: secs("CHANNEL_SHUTDOWN_DELAY_S"),
		EmptyTimeout:         secs("EMPTY_TIMEOUT_S"),

		HLSMaxSegments:        v.GetInt("HLS_MAX_SEGMENTS"),
		HLSWindowSize:         v.GetInt("HLS_WINDOW_SIZE"),
		HLSSegmentFetchFactor: v.GetFloat64("HLS_SEGMENT_FETCH_INTERVAL"),

		SnapshotPath:  v.GetString("SNAPSHOT_PATH"),
		BlacklistPath: v.GetString("BLACKLIST_PATH"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogFile:  v.GetString("LOG_FILE"),
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run. Called at load and on
// every control-plane update.
func (c *Config) Validate() error {
	if c.MinReplicas < 0 {
		return fmt.Errorf("MIN_REPLICAS must be >= 0, got %d", c.MinReplicas)
	}
	if c.MaxReplicas < 1 {
		return fmt.Errorf("MAX_REPLICAS must be >= 1, got %d", c.MaxReplicas)
	}
	if c.MinReplicas > c.MaxReplicas {
		return fmt.Errorf("MIN_REPLICAS (%d) exceeds MAX_REPLICAS (%d)", c.MinReplicas, c.MaxReplicas)
	}
	if c.MaxStreamsPerEngine < 1 {
		return fmt.Errorf("MAX_STREAMS_PER_ENGINE must be >= 1, got %d", c.MaxStreamsPerEngine)
	}
	if c.StreamMode != ModeTS && c.StreamMode != ModeHLS {
		return fmt.Errorf("PROXY_STREAM_MODE must be TS or HLS, got %q", c.StreamMode)
	}
	if c.BufferBackend != BackendMemory && c.BufferBackend != BackendRedis {
		return fmt.Errorf("PROXY_BUFFER_BACKEND must be memory or redis, got %q", c.BufferBackend)
	}
	if c.HostPortRange.Lo <= 0 || c.HostPortRange.Hi < c.HostPortRange.Lo {
		return fmt.Errorf("invalid host port range %d-%d", c.HostPortRange.Lo, c.HostPortRange.Hi)
	}
	if c.ChunkSize < 188 {
		return fmt.Errorf("PROXY_CHUNK_SIZE must be at least one TS packet (188 bytes)")
	}
	if c.HLSWindowSize > c.HLSMaxSegments {
		return fmt.Errorf("HLS_WINDOW_SIZE (%d) exceeds HLS_MAX_SEGMENTS (%d)", c.HLSWindowSize, c.HLSMaxSegments)
	}
	if c.GhostMultiplier < 1 {
		return fmt.Errorf("GHOST_MULTIPLIER must be >= 1, got %d", c.GhostMultiplier)
	}
	switch c.VPNMode {
	case VPNNone:
		if len(c.VPNs) != 0 {
			return fmt.Errorf("VPN_MODE=none but %d sidecars configured", len(c.VPNs))
		}
	case VPNSingle:
		if len(c.VPNs) != 1 {
			return fmt.Errorf("VPN_MODE=single requires exactly one sidecar, got %d", len(c.VPNs))
		}
	case VPNRedundant:
		if len(c.VPNs) != 2 {
			return fmt.Errorf("VPN_MODE=redundant requires exactly two sidecars, got %d", len(c.VPNs))
		}
	default:
		return fmt.Errorf("VPN_MODE must be none, single or redundant, got %q", c.VPNMode)
	}
	for _, vpn := range c.VPNs {
		if vpn.MaxActiveReplicas < 1 {
			return fmt.Errorf("vpn %q: MAX_ACTIVE_REPLICAS must be >= 1", vpn.Name)
		}
	}
	return nil
}

// EffectiveMin is the minimum number of free engines the autoscaler keeps.
// With a VPN configured the per-VPN active cap bounds it.
func (c *Config) EffectiveMin() int {
	if c.VPNMode == VPNNone {
		return c.MinReplicas
	}
	cap := 0
	for _, vpn := range c.VPNs {
		cap += vpn.MaxActiveReplicas
	}
	if c.MinReplicas < cap {
		return c.MinReplicas
	}
	return cap
}

// MaxActiveTotal is the sum of the per-VPN active caps, or MaxReplicas when
// no VPN is configured.
func (c *Config) MaxActiveTotal() int {
	if c.VPNMode == VPNNone {
		return c.MaxReplicas
	}
	total := 0
	for _, vpn := range c.VPNs {
		total += vpn.MaxActiveReplicas
	}
	return total
}

// HasVPN reports whether any sidecar is configured.
func (c *Config) HasVPN() bool { return c.VPNMode != VPNNone }

// Clone returns a deep copy usable for a mutate-validate-swap update.
func (c *Config) Clone() *Config {
	dup := *c
	dup.VPNs = append([]VPNSidecar(nil), c.VPNs...)
	return &dup
}

// Store holds the live configuration and serialises updates.
type Store struct {
	mu  sync.RWMutex
	cur *Config
}

// NewStore wraps an already validated Config.
func NewStore(cfg *Config) *Store {
	return &Store{cur: cfg}
}

// Current returns the live snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates next and swaps it in. State is unchanged on error.
func (s *Store) Update(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}
