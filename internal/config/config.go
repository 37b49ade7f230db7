package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxFileSize bounds downloads; received files are assembled in memory.
const DefaultMaxFileSize = 2 << 30

// Transport names accepted by ClientConfig.Transport.
const (
	TransportWebRTC = "webrtc"
	TransportQUIC   = "quic"
)

// ServerConfig holds configuration for the signaling server binary.
type ServerConfig struct {
	Port      int
	LogLevel  string
	StaticDir string

	MaxSessions          int
	MaxParticipants      int // per share; 0 means unbounded
	MaxMessageBytes      int
	MaxConnections       int
	ConnectsPerMin       int // websocket upgrades per minute per IP
	ConnectsBurst        int
	MsgsPerSec           int // inbound messages per second per connection
	MsgsBurst            int
	SessionCreatesPerMin int // create-id requests per minute per IP
	SessionCreatesBurst  int
	IdleTimeout          time.Duration
	SessionTimeout       time.Duration // 0 disables share expiry

	TurnServers []string
	TurnSecret  string
	TurnTTL     time.Duration
}

// ClientConfig holds configuration for the sharelink CLI (send and recv).
type ClientConfig struct {
	ServerURL string
	// Origin is the base of printed share links. Defaults to ServerURL.
	Origin    string
	LogLevel  string
	PeerID    string
	Transport string

	STUNServers []string
	TURNServers []string
	// Loopback lets WebRTC peers on the same host connect over 127.0.0.1.
	Loopback bool

	QUICListen    string
	QUICAdvertise string // host:port announced to receivers; derived when empty

	OutDir         string
	Yes            bool // accept the offered file without prompting
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	// MaxFileSize is the largest offer a receiver will download, in bytes.
	MaxFileSize int64

	// Args holds positional arguments left after flag parsing.
	Args []string
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Port:                 3000,
		LogLevel:             "info",
		MaxSessions:          1000,
		MaxMessageBytes:      64 * 1024,
		MaxConnections:       2000,
		ConnectsPerMin:       60,
		ConnectsBurst:        20,
		MsgsPerSec:           50,
		MsgsBurst:            100,
		SessionCreatesPerMin: 10,
		SessionCreatesBurst:  5,
		IdleTimeout:          10 * time.Minute,
		TurnTTL:              time.Hour,
	}

	// Read from environment first
	envInt("PORT", &cfg.Port)
	envString("SHARELINK_LOG_LEVEL", &cfg.LogLevel)
	envString("SHARELINK_STATIC_DIR", &cfg.StaticDir)
	envInt("SHARELINK_MAX_SESSIONS", &cfg.MaxSessions)
	envInt("SHARELINK_MAX_PARTICIPANTS", &cfg.MaxParticipants)
	envInt("SHARELINK_MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	envInt("SHARELINK_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("SHARELINK_CONNECTS_PER_MIN", &cfg.ConnectsPerMin)
	envInt("SHARELINK_CONNECTS_BURST", &cfg.ConnectsBurst)
	envInt("SHARELINK_MSGS_PER_SEC", &cfg.MsgsPerSec)
	envInt("SHARELINK_MSGS_BURST", &cfg.MsgsBurst)
	envInt("SHARELINK_SESSION_CREATES_PER_MIN", &cfg.SessionCreatesPerMin)
	envInt("SHARELINK_SESSION_CREATES_BURST", &cfg.SessionCreatesBurst)
	envDuration("SHARELINK_IDLE_TIMEOUT", &cfg.IdleTimeout)
	envDuration("SHARELINK_SESSION_TIMEOUT", &cfg.SessionTimeout)
	envList("SHARELINK_TURN_SERVERS", &cfg.TurnServers)
	envString("SHARELINK_TURN_SECRET", &cfg.TurnSecret)
	envDuration("SHARELINK_TURN_TTL", &cfg.TurnTTL)

	// Flags override environment
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory served at /")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "max concurrent shares (0 = unlimited)")
	fs.IntVar(&cfg.MaxParticipants, "max-participants", cfg.MaxParticipants, "max receivers per share (0 = unlimited)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "max concurrent websocket connections")
	fs.IntVar(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "websocket connects per minute per IP")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "websocket connect burst per IP")
	fs.IntVar(&cfg.MsgsPerSec, "msgs-per-sec", cfg.MsgsPerSec, "messages per second per connection")
	fs.IntVar(&cfg.MsgsBurst, "msgs-burst", cfg.MsgsBurst, "message burst per connection")
	fs.IntVar(&cfg.SessionCreatesPerMin, "session-creates-per-min", cfg.SessionCreatesPerMin, "share creations per minute per IP")
	fs.IntVar(&cfg.SessionCreatesBurst, "session-creates-burst", cfg.SessionCreatesBurst, "share creation burst per IP")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout (0 disables)")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "max share lifetime (0 disables)")
	turn := listFlag{values: &cfg.TurnServers}
	fs.Var(&turn, "turn-server", "TURN server URL (repeatable, comma-separated)")
	fs.StringVar(&cfg.TurnSecret, "turn-static-auth-secret", cfg.TurnSecret, "TURN REST static auth secret")
	fs.DurationVar(&cfg.TurnTTL, "turn-cred-ttl", cfg.TurnTTL, "TURN credential lifetime")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses CLI configuration for one subcommand.
// Flags take precedence over environment variables.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      "http://localhost:3000",
		LogLevel:       "warn",
		PeerID:         generatePeerID(),
		Transport:      TransportWebRTC,
		STUNServers:    []string{"stun:stun.l.google.com:19302"},
		QUICListen:     ":0",
		OutDir:         ".",
		ConnectTimeout: 30 * time.Second,
		StallTimeout:   60 * time.Second,
		MaxFileSize:    DefaultMaxFileSize,
	}

	envString("SHARELINK_SERVER_URL", &cfg.ServerURL)
	envString("SHARELINK_ORIGIN", &cfg.Origin)
	envString("SHARELINK_LOG_LEVEL", &cfg.LogLevel)
	envString("SHARELINK_PEER_ID", &cfg.PeerID)
	envString("SHARELINK_TRANSPORT", &cfg.Transport)
	envList("SHARELINK_STUN_SERVERS", &cfg.STUNServers)
	envList("SHARELINK_TURN_SERVERS", &cfg.TURNServers)
	envString("SHARELINK_QUIC_LISTEN", &cfg.QUICListen)
	envString("SHARELINK_QUIC_ADVERTISE", &cfg.QUICAdvertise)
	envString("SHARELINK_OUT_DIR", &cfg.OutDir)
	envInt64("SHARELINK_MAX_FILE_SIZE", &cfg.MaxFileSize)

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "base URL for share links (default: server URL)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "signaling peer identifier")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "channel transport (webrtc, quic)")
	stun := listFlag{values: &cfg.STUNServers}
	fs.Var(&stun, "stun-server", "STUN server URL (repeatable, comma-separated)")
	turn := listFlag{values: &cfg.TURNServers}
	fs.Var(&turn, "turn-server", "TURN server URL (repeatable, comma-separated)")
	fs.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "allow same-host WebRTC peers over loopback")
	fs.StringVar(&cfg.QUICListen, "quic-listen", cfg.QUICListen, "QUIC listen address when sharing")
	fs.StringVar(&cfg.QUICAdvertise, "quic-advertise", cfg.QUICAdvertise, "QUIC address announced to receivers")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "output directory for received files")
	fs.BoolVar(&cfg.Yes, "yes", cfg.Yes, "accept the offered file without prompting")
	fs.BoolVar(&cfg.Yes, "y", cfg.Yes, "shorthand for --yes")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "channel establishment timeout")
	fs.DurationVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "abort when no data arrives for this long")
	fs.Int64Var(&cfg.MaxFileSize, "max-size", cfg.MaxFileSize, "largest file to accept, in bytes")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	cfg.Args = fs.Args()

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != TransportWebRTC && cfg.Transport != TransportQUIC {
		return ClientConfig{}, fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Transport, TransportWebRTC, TransportQUIC)
	}
	if cfg.MaxFileSize <= 0 {
		return ClientConfig{}, fmt.Errorf("max-size must be positive, got %d", cfg.MaxFileSize)
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.ServerURL
	}
	if cfg.PeerID == "" {
		cfg.PeerID = generatePeerID()
	}
	return cfg, nil
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		*dst = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// listFlag implements flag.Value for repeatable, comma-separated list flags.
// The first Set replaces the default; later ones append.
type listFlag struct {
	values *[]string
	set    bool
}

func (l *listFlag) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l *listFlag) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, splitList(value)...)
	return nil
}

func (l *listFlag) Get() interface{} {
	return *l.values
}

var _ flag.Getter = (*listFlag)(nil)
