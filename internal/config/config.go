// Package config reads server configuration from environment variables.
// Every tunable has a development default; the environment overrides it,
// and cmd/minilivechatd's CLI flags override the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Development-only shared secret, used when LIVECHAT_SECRET is unset.
const DefaultSecret = "mini-livechat-dev-secret"

// Floor priority constants (MBCP). Higher wins; Emergency preempts
// regardless of numeric priority.
const (
	FloorPriorityDefault  = 100
	PriorityImminentPeril = 200
	PriorityEmergency     = 255
)

type Config struct {
	// SignalingPort serves both the WebSocket control plane (/ws) and
	// the HTTP read surfaces.
	SignalingPort int
	// ServerUDPPort is the single media port (STUN + DTLS + SRTP).
	ServerUDPPort int
	// AdvertiseIP is embedded in SDP candidates. Empty means "detect
	// from the route table at startup".
	AdvertiseIP string
	// Secret is compared verbatim against IDENTIFY tokens.
	Secret string

	CertPath string
	KeyPath  string

	MaxPeersPerChannel int
	EgressQueueSize    int
	MaxMessageLength   int

	ZombieTimeout        time.Duration
	ReaperInterval       time.Duration
	HeartbeatInterval    time.Duration
	DtlsHandshakeTimeout time.Duration
	FloorPingTimeout     time.Duration
	FloorMaxTaken        time.Duration

	// MBCP T100/T101 retransmission timers. Recognized for deployment
	// parity; the WebSocket control plane retransmits nothing, so they
	// currently have no consumer.
	FloorT100 time.Duration
	FloorT101 time.Duration
}

// FromEnv reads configuration from the environment. Durations are given
// in milliseconds, per the *_MS variable naming.
func FromEnv() Config {
	return Config{
		SignalingPort: getInt("SIGNALING_PORT", 8080),
		ServerUDPPort: getInt("SERVER_UDP_PORT", 10000),
		AdvertiseIP:   os.Getenv("ADVERTISE_IP"),
		Secret:        getString("LIVECHAT_SECRET", DefaultSecret),

		CertPath: os.Getenv("CERT_PATH"),
		KeyPath:  os.Getenv("KEY_PATH"),

		MaxPeersPerChannel: getInt("MAX_PEERS_PER_CHANNEL", 100),
		EgressQueueSize:    getInt("EGRESS_QUEUE_SIZE", 2048),
		MaxMessageLength:   getInt("MAX_MESSAGE_LENGTH", 2000),

		ZombieTimeout:        getMillis("ZOMBIE_TIMEOUT_MS", 30_000),
		ReaperInterval:       getMillis("REAPER_INTERVAL_MS", 10_000),
		HeartbeatInterval:    getMillis("HEARTBEAT_INTERVAL_MS", 30_000),
		DtlsHandshakeTimeout: getMillis("DTLS_HANDSHAKE_TIMEOUT_MS", 10_000),
		FloorPingTimeout:     getMillis("FLOOR_PING_TIMEOUT_MS", 6_000),
		FloorMaxTaken:        getMillis("FLOOR_MAX_TAKEN_MS", 30_000),

		FloorT100: getMillis("FLOOR_T100_MS", 3_000),
		FloorT101: getMillis("FLOOR_T101_MS", 3_000),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getMillis(key string, fallbackMillis int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}
