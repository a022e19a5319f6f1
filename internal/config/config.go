package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/webroker/reelwatch/internal/origin"
)

const (
	envVarListenAddr      = "REELWATCH_LISTEN_ADDR"
	envVarPublicBaseURL   = "REELWATCH_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "REELWATCH_LOG_FORMAT"
	envVarLogLevel        = "REELWATCH_LOG_LEVEL"
	envVarShutdownTimeout = "REELWATCH_SHUTDOWN_TIMEOUT"
	envVarMode            = "REELWATCH_MODE"

	// Signaling store selection.
	envVarStore             = "REELWATCH_STORE"
	envVarStoreURL          = "REELWATCH_STORE_URL"
	envVarSQLitePath        = "REELWATCH_SQLITE_PATH"
	envVarMongoURI          = "REELWATCH_MONGODB_URI"
	envVarMongoDatabase     = "REELWATCH_MONGODB_DATABASE"
	envVarSessionTTL        = "REELWATCH_SESSION_TTL"
	envVarStorePollInterval = "REELWATCH_STORE_POLL_INTERVAL"

	// Store server auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	envVarWebRTCUDPPortMin                = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax                = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs                = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType    = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP               = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCSCTPMaxReceiveBufferBytes = "WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES"
	envVarICECandidatePoolSize            = "REELWATCH_ICE_CANDIDATE_POOL_SIZE"
	envVarDataChannelLabel                = "REELWATCH_DATACHANNEL_LABEL"

	DefaultListenAddr         = "127.0.0.1:8080"
	DefaultPublicBaseURL      = "https://reelwatch.app"
	DefaultStoreURL           = "http://127.0.0.1:8080"
	DefaultSQLitePath         = "reelwatch.db"
	DefaultMongoDatabase      = "reelwatch"
	DefaultShutdown           = 15 * time.Second
	DefaultSessionTTL         = 24 * time.Hour
	DefaultStorePollInterval  = 250 * time.Millisecond
	DefaultMode          Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "reelwatch"

	DefaultICECandidatePoolSize = 10
	DefaultDataChannelLabel     = "reactions"
	DefaultWebRTCUDPListenIP    = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; running out
// of ports shows up as ICE failures that are hard to diagnose.
const recommendedWebRTCUDPPortRangeSize = 100

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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// StoreKind selects the signalstore backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreRemote StoreKind = "remote"
	StoreSQLite StoreKind = "sqlite"
	StoreMongo  StoreKind = "mongo"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Store is empty when neither env nor flag chose a backend; each binary
	// applies its own default.
	Store             StoreKind
	StoreURL          string
	SQLitePath        string
	MongoURI          string
	MongoDatabase     string
	SessionTTL        time.Duration
	StorePollInterval time.Duration

	AuthMode AuthMode
	APIKey   string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised for ICE when the peer sits behind a
	// 1:1 NAT. Values are literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to.
	// 0.0.0.0 leaves the choice to pion.
	WebRTCUDPListenIP net.IP

	WebRTCSCTPMaxReceiveBufferBytes int

	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8
	DataChannelLabel     string
	TURNREST             TurnRESTConfig

	// ReelID is the reel announced in share links by `reelwatch start`.
	ReelID string
	// Args holds positional arguments left after flag parsing.
	Args []string

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns the ICE servers usable by a local
// PeerConnection. With TURN REST enabled the client-facing list may carry
// TURN URLs without credentials; pion rejects those, so they are dropped.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	if !c.TURNREST.Enabled() {
		return c.ICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
			continue
		}
		cred, ok := server.Credential.(string)
		if strings.TrimSpace(server.Username) == "" || !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

// Load reads configuration from the environment, then applies flag
// overrides from args. Unknown flags and invalid values are errors;
// pflag.ErrHelp is returned for --help.
func Load(name string, args []string) (Config, error) {
	return load(os.LookupEnv, name, args)
}

func load(lookup func(string) (string, bool), name string, args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, DefaultPublicBaseURL)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	storeStr := envOrDefault(lookup, envVarStore, "")
	storeURL := envOrDefault(lookup, envVarStoreURL, DefaultStoreURL)
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, DefaultSQLitePath)
	mongoURI := envOrDefault(lookup, envVarMongoURI, "")
	mongoDatabase := envOrDefault(lookup, envVarMongoDatabase, DefaultMongoDatabase)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	iceServersFile := envOrDefault(lookup, envICEServersFile, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

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
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	storePollInterval, err := envDurationOrDefault(lookup, envVarStorePollInterval, DefaultStorePollInterval)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	webrtcSCTPMaxReceiveBufferBytes, err := envIntOrDefault(lookup, envVarWebRTCSCTPMaxReceiveBufferBytes, DefaultWebRTCSCTPMaxReceiveBufferBytes)
	if err != nil {
		return Config{}, err
	}
	iceCandidatePoolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, DefaultICECandidatePoolSize)
	if err != nil {
		return Config{}, err
	}
	dataChannelLabel := envOrDefault(lookup, envVarDataChannelLabel, DefaultDataChannelLabel)

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
		reelID       string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Base URL for share links (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", "", "Log format: text or json (default depends on --mode)")
	fs.StringVar(&logLevelStr, "log-level", "", "Log level: debug, info, warn, error (default depends on --mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.StringVar(&storeStr, "store", storeStr, "Signaling store: memory, remote, sqlite, or mongo (env "+envVarStore+")")
	fs.StringVar(&storeURL, "store-url", storeURL, "Base URL of a reelwatch-signal server for --store=remote (env "+envVarStoreURL+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database file for --store=sqlite (env "+envVarSQLitePath+")")
	fs.StringVar(&mongoURI, "mongodb-uri", mongoURI, "MongoDB connection string for --store=mongo (env "+envVarMongoURI+")")
	fs.StringVar(&mongoDatabase, "mongodb-database", mongoDatabase, "MongoDB database for --store=mongo (env "+envVarMongoDatabase+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "Expire signaling sessions after this duration (0 = never; env "+envVarSessionTTL+")")
	fs.DurationVar(&storePollInterval, "store-poll-interval", storePollInterval, "SQLite watcher poll interval (env "+envVarStorePollInterval+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Store server auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for --auth-mode=api_key, and the key presented by --store=remote (env "+envVarAPIKey+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle watch WebSockets after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval on watch WebSockets (must be < idle timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max request body size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max mutating requests per second per client (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&iceServersFile, "ice-servers-file", iceServersFile, "YAML file listing ICE servers (env "+envICEServersFile+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (env "+envVarTURNRESTRealm+")")

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.IntVar(&webrtcSCTPMaxReceiveBufferBytes, "webrtc-sctp-max-receive-buffer-bytes", webrtcSCTPMaxReceiveBufferBytes, "Max SCTP receive buffer size in bytes (env "+envVarWebRTCSCTPMaxReceiveBufferBytes+")")
	fs.IntVar(&iceCandidatePoolSize, "ice-candidate-pool-size", iceCandidatePoolSize, "ICE candidate pool size (env "+envVarICECandidatePoolSize+")")
	fs.StringVar(&dataChannelLabel, "datachannel-label", dataChannelLabel, "Label of the reactions data channel (env "+envVarDataChannelLabel+")")

	fs.StringVar(&reelID, "reel", "", "Reel id to include in the share link (reelwatch start)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if logFormatStr == "" {
		logFormatStr = envLogFormat
		if !envLogFormatSet {
			logFormatStr = defaultLogFormatForMode(mode)
		}
	}
	if logLevelStr == "" {
		logLevelStr = envLogLevel
		if !envLogLevelSet {
			logLevelStr = defaultLogLevelForMode(mode)
		}
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	store, err := parseStoreKind(storeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if sessionTTL < 0 {
		return Config{}, fmt.Errorf("%s/--session-ttl must be >= 0", envVarSessionTTL)
	}
	if storePollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--store-poll-interval must be > 0", envVarStorePollInterval)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if store == StoreMongo && strings.TrimSpace(mongoURI) == "" {
		return Config{}, fmt.Errorf("%s/--mongodb-uri must be set when --store=%s", envVarMongoURI, StoreMongo)
	}
	if store == StoreSQLite && strings.TrimSpace(sqlitePath) == "" {
		return Config{}, fmt.Errorf("%s/--sqlite-path must be set when --store=%s", envVarSQLitePath, StoreSQLite)
	}
	if store == StoreRemote {
		if err := validateHTTPURL(storeURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--store-url %q: %w", envVarStoreURL, storeURL, err)
		}
	}
	if err := validateHTTPURL(publicBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--public-base-url %q: %w", envVarPublicBaseURL, publicBaseURL, err)
	}
	if iceCandidatePoolSize < 0 || iceCandidatePoolSize > 255 {
		return Config{}, fmt.Errorf("%s/--ice-candidate-pool-size must be in 0..255", envVarICECandidatePoolSize)
	}
	if strings.TrimSpace(dataChannelLabel) == "" {
		return Config{}, fmt.Errorf("%s/--datachannel-label must not be empty", envVarDataChannelLabel)
	}
	if webrtcSCTPMaxReceiveBufferBytes < minWebRTCSCTPReceiveBufferBytes {
		return Config{}, fmt.Errorf("%s/--webrtc-sctp-max-receive-buffer-bytes must be >= %d", envVarWebRTCSCTPMaxReceiveBufferBytes, minWebRTCSCTPReceiveBufferBytes)
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

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)",
				envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", envVarWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q: %w", envVarWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Store:             store,
		StoreURL:          strings.TrimRight(strings.TrimSpace(storeURL), "/"),
		SQLitePath:        sqlitePath,
		MongoURI:          mongoURI,
		MongoDatabase:     mongoDatabase,
		SessionTTL:        sessionTTL,
		StorePollInterval: storePollInterval,

		AuthMode:                      authMode,
		APIKey:                        apiKey,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		WebRTCUDPPortRange:              webrtcUDPPortRange,
		WebRTCUDPListenIP:               webrtcUDPListenIP,
		WebRTCNAT1To1IPs:                webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType:    webrtcNAT1To1CandidateType,
		WebRTCSCTPMaxReceiveBufferBytes: webrtcSCTPMaxReceiveBufferBytes,

		ICECandidatePoolSize: uint8(iceCandidatePoolSize),
		DataChannelLabel:     dataChannelLabel,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},

		ReelID: strings.TrimSpace(reelID),
		Args:   fs.Args(),
	}

	iceServers, err := parseICEServersFromValues(iceSources{
		json:           iceServersJSON,
		file:           iceServersFile,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
		turnREST:       cfg.TURNREST.Enabled(),
	})
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
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
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

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseStoreKind(raw string) (StoreKind, error) {
	switch s := StoreKind(strings.ToLower(strings.TrimSpace(raw))); s {
	case "", StoreMemory, StoreRemote, StoreSQLite, StoreMongo:
		return s, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, %s, or %s)", envVarStore, raw, StoreMemory, StoreRemote, StoreSQLite, StoreMongo)
	}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("expected http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.User != nil {
		return fmt.Errorf("must not include credentials")
	}
	return nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
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
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost), "":
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
