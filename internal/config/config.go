// Package config loads the flat configuration surface from the process
// environment, optionally seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at startup. Fields mirror
// the host.live.* / host.rtc.* / host.listener.* key namespace.
type Config struct {
	BindAddress string
	RTMPPort    int
	SSLPort     int
	SSLCert     string
	SSLKey      string

	HTTPPort  int
	HTTPSPort int
	StaticDir string // external collaborator, not served by this module

	MaxIPConcurrentConnections int
	ConcurrentLimitWhitelist   string

	GOPCacheSizeMB   int
	GOPCacheDisabled bool

	Workers   int
	IOWorkers int

	QueueLength int
	JitterAlgo  int
	MixCorrect  bool

	RTCWorkers               int
	RTCCandidates            []string
	RTCStunPort              int
	RTC2RTMPKeyframeInterval int

	ListenerHostname string

	FLVRecordEnabled bool
	FLVRecordDir     string

	LogDebug    bool
	LogRequests bool

	RedisUse      bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisChannel  string
	RedisTLS      bool

	AdminEventsEnabled bool
	AdminEventsBind    string
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolYes(key string) bool {
	return strings.EqualFold(os.Getenv(key), "YES")
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads an optional .env file (ignored if absent, matching
// godotenv.Load's own behavior) and then populates Config from the
// environment.
func Load() *Config {
	_ = godotenv.Load()

	c := &Config{
		BindAddress: os.Getenv("BIND_ADDRESS"),
		RTMPPort:    envInt("RTMP_PORT", 1935),
		SSLPort:     envInt("SSL_PORT", 443),
		SSLCert:     os.Getenv("SSL_CERT"),
		SSLKey:      os.Getenv("SSL_KEY"),

		HTTPPort:  envInt("HTTP_PORT", 8080),
		HTTPSPort: envInt("HTTPS_PORT", 8443),
		StaticDir: os.Getenv("STATIC_DIR"),

		MaxIPConcurrentConnections: envInt("MAX_IP_CONCURRENT_CONNECTIONS", 0),
		ConcurrentLimitWhitelist:   os.Getenv("CONCURRENT_LIMIT_WHITELIST"),

		GOPCacheSizeMB:   envInt("GOP_CACHE_SIZE_MB", 16),
		GOPCacheDisabled: envBoolYes("GOP_CACHE_DISABLED"),

		Workers:   envInt("HOST_LIVE_WORKERS", 1),
		IOWorkers: envInt("HOST_LIVE_IOWORKERS", 1),

		QueueLength: envInt("HOST_LIVE_QUEUE_LENGTH", 512),
		JitterAlgo:  envInt("HOST_LIVE_ALGO", 0),
		MixCorrect:  envBoolYes("HOST_LIVE_MIX_CORRECT"),

		RTCWorkers:               envInt("HOST_RTC_WORKERS", 1),
		RTCCandidates:            envList("HOST_RTC_CANDIDATES"),
		RTCStunPort:              envInt("HOST_RTC_STUN_PORT", 3478),
		RTC2RTMPKeyframeInterval: envInt("HOST_RTMP2RTC_KEYFRAME_INTERVAL", 2000),

		ListenerHostname: os.Getenv("HOST_LISTENER_HOSTNAME"),

		FLVRecordEnabled: envBoolYes("HOST_LIVE_FLV_RECORD"),
		FLVRecordDir:     os.Getenv("FLV_RECORD_DIR"),

		LogDebug:    envBoolYes("LOG_DEBUG"),
		LogRequests: os.Getenv("LOG_REQUESTS") != "NO",

		RedisUse:      envBoolYes("REDIS_USE"),
		RedisHost:     orDefault(os.Getenv("REDIS_HOST"), "localhost"),
		RedisPort:     orDefault(os.Getenv("REDIS_PORT"), "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisChannel:  orDefault(os.Getenv("REDIS_CHANNEL"), "rtmp_commands"),
		RedisTLS:      envBoolYes("REDIS_TLS"),

		AdminEventsEnabled: envBoolYes("ADMIN_EVENTS_ENABLE"),
		AdminEventsBind:    orDefault(os.Getenv("ADMIN_EVENTS_BIND"), ":9935"),
	}

	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
