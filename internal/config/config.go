package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/halcyonlabs/rendezvous/internal/origin"
)

const (
	envVarListenAddr      = "RENDEZVOUS_LISTEN_ADDR"
	envVarMode            = "RENDEZVOUS_MODE"
	envVarLogFormat       = "RENDEZVOUS_LOG_FORMAT"
	envVarLogLevel        = "RENDEZVOUS_LOG_LEVEL"
	envVarShutdownTimeout = "RENDEZVOUS_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Connection and message hardening.
	envVarMaxConnectionsPerIP  = "MAX_CONNECTIONS_PER_IP"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"

	// Room registry knobs.
	envVarMaxRooms          = "MAX_ROOMS"
	envVarDefaultRoomTTL    = "DEFAULT_ROOM_TTL_MINUTES"
	envVarMaxRoomTTL        = "MAX_ROOM_TTL_MINUTES"
	envVarDefaultMaxPeers   = "DEFAULT_MAX_PEERS"
	envVarMaxMaxPeers       = "MAX_MAX_PEERS"
	envVarRoomSweepInterval = "ROOM_SWEEP_INTERVAL"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxConnectionsPerIP  = 8
	DefaultMaxMessagesPerSecond = 10
	DefaultMaxMessageBytes      = int64(64 * 1024)

	DefaultMaxRooms          = 0 // unlimited
	DefaultRoomTTLMinutes    = 60
	DefaultMaxRoomTTLMinutes = 24 * 60
	DefaultMaxPeers          = 8
	DefaultMaxPeersCap       = 64
	DefaultRoomSweepInterval = 30 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "rendezvous"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// Per-connection hardening. MaxConnectionsPerIP <= 0 disables the cap.
	MaxConnectionsPerIP  int
	MaxMessagesPerSecond int
	MaxMessageBytes      int64

	// Room registry limits. MaxRooms <= 0 means unlimited.
	MaxRooms              int
	DefaultRoomTTLMinutes int
	MaxRoomTTLMinutes     int
	DefaultMaxPeers       int
	MaxPeersCap           int
	RoomSweepInterval     time.Duration

	// ICEServers is served to clients at /webrtc/ice so they can construct
	// their PeerConnections. The relay never opens one itself.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a deferred ICE configuration error. Startup
// continues without ICE servers; readiness checks surface the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxConnectionsPerIP, err := envIntOrDefault(lookup, envVarMaxConnectionsPerIP, DefaultMaxConnectionsPerIP)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, DefaultMaxRooms)
	if err != nil {
		return Config{}, err
	}
	defaultRoomTTLMinutes, err := envIntOrDefault(lookup, envVarDefaultRoomTTL, DefaultRoomTTLMinutes)
	if err != nil {
		return Config{}, err
	}
	maxRoomTTLMinutes, err := envIntOrDefault(lookup, envVarMaxRoomTTL, DefaultMaxRoomTTLMinutes)
	if err != nil {
		return Config{}, err
	}
	defaultMaxPeers, err := envIntOrDefault(lookup, envVarDefaultMaxPeers, DefaultMaxPeers)
	if err != nil {
		return Config{}, err
	}
	maxPeersCap, err := envIntOrDefault(lookup, envVarMaxMaxPeers, DefaultMaxPeersCap)
	if err != nil {
		return Config{}, err
	}

	roomSweepInterval := DefaultRoomSweepInterval
	if raw, ok := lookup(envVarRoomSweepInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRoomSweepInterval, raw, err)
		}
		roomSweepInterval = d
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	fs := flag.NewFlagSet("rendezvousd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.IntVar(&maxConnectionsPerIP, "max-connections-per-ip", maxConnectionsPerIP, "Max concurrent WebSocket connections per source IP (0 = unlimited; env "+envVarMaxConnectionsPerIP+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WS messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WS message size in bytes (env "+envVarMaxMessageBytes+")")

	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Max concurrently live rooms (0 = unlimited; env "+envVarMaxRooms+")")
	fs.IntVar(&defaultRoomTTLMinutes, "default-room-ttl-minutes", defaultRoomTTLMinutes, "Room TTL in minutes when the client sets none (env "+envVarDefaultRoomTTL+")")
	fs.IntVar(&maxRoomTTLMinutes, "max-room-ttl-minutes", maxRoomTTLMinutes, "Upper bound on client-requested room TTL (env "+envVarMaxRoomTTL+")")
	fs.IntVar(&defaultMaxPeers, "default-max-peers", defaultMaxPeers, "Peer capacity when the client sets none (env "+envVarDefaultMaxPeers+")")
	fs.IntVar(&maxPeersCap, "max-max-peers", maxPeersCap, "Upper bound on client-requested peer capacity (env "+envVarMaxMaxPeers+")")
	fs.DurationVar(&roomSweepInterval, "room-sweep-interval", roomSweepInterval, "How often expired rooms are swept (env "+envVarRoomSweepInterval+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxConnectionsPerIP < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections-per-ip must be >= 0 (0 = unlimited)", envVarMaxConnectionsPerIP)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxRooms < 0 {
		return Config{}, fmt.Errorf("%s/--max-rooms must be >= 0 (0 = unlimited)", envVarMaxRooms)
	}
	if defaultRoomTTLMinutes <= 0 {
		return Config{}, fmt.Errorf("%s/--default-room-ttl-minutes must be > 0", envVarDefaultRoomTTL)
	}
	if maxRoomTTLMinutes < defaultRoomTTLMinutes {
		return Config{}, fmt.Errorf("%s/--max-room-ttl-minutes must be >= %s", envVarMaxRoomTTL, envVarDefaultRoomTTL)
	}
	if defaultMaxPeers <= 0 {
		return Config{}, fmt.Errorf("%s/--default-max-peers must be > 0", envVarDefaultMaxPeers)
	}
	if maxPeersCap < defaultMaxPeers {
		return Config{}, fmt.Errorf("%s/--max-max-peers must be >= %s", envVarMaxMaxPeers, envVarDefaultMaxPeers)
	}
	if roomSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-interval must be > 0", envVarRoomSweepInterval)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		MaxConnectionsPerIP:  maxConnectionsPerIP,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MaxMessageBytes:      maxMessageBytes,

		MaxRooms:              maxRooms,
		DefaultRoomTTLMinutes: defaultRoomTTLMinutes,
		MaxRoomTTLMinutes:     maxRoomTTLMinutes,
		DefaultMaxPeers:       defaultMaxPeers,
		MaxPeersCap:           maxPeersCap,
		RoomSweepInterval:     roomSweepInterval,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
