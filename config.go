package playhouse

import (
	"fmt"
	"time"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// TransportKind selects one of the client-facing listener variants a node
// can expose. Kinds are ORed together in Config.TransportKinds.
type TransportKind = model.TransportKind

const (
	TransportTCP          = model.TransportTCP
	TransportTCPTLS       = model.TransportTCPTLS
	TransportWebSocket    = model.TransportWebSocket
	TransportWebSocketTLS = model.TransportWebSocketTLS
)

// ServerType classifies a node in the fleet: Play nodes own Stages, Api
// nodes run stateless handlers, Other is anything the integrator adds.
type ServerType = model.ServerType

const (
	Play  = model.Play
	Api   = model.Api
	Other = model.Other
)

// ServerState is the lifecycle state of a fleet member as seen by discovery.
type ServerState = model.ServerState

const (
	Running  = model.Running
	Disabled = model.Disabled
	Paused   = model.Paused
)

// ServerInfo is the authoritative description of one fleet member.
type ServerInfo = model.ServerInfo

// Config carries every tunable named in the wire/transport/mesh contracts.
// Zero-value fields are replaced by DefaultConfig's defaults in NewConfig.
type Config struct {
	ServerID  string
	Nid       string
	ServiceID uint16
	Type      ServerType
	Address   string

	ReceiveBufferSize int
	SendBufferSize    int

	PauseWriterThreshold  int
	ResumeWriterThreshold int

	MaxPacketSize int

	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	RefreshInterval  time.Duration

	EnableTLS                bool
	RequireClientCertificate bool
	CheckCertificateRevocation bool

	TCPKeepAliveTime     time.Duration
	TCPKeepAliveInterval time.Duration

	TransportKinds TransportKind
	WebSocketPath  string

	// ClientTCPAddress/ClientWebSocketAddress are the listen addresses for
	// the respective client-facing transports. Address (above) is this
	// node's mesh address, advertised to the rest of the fleet — a
	// separate, client-facing listen address is required whenever
	// TransportKinds enables the matching kind.
	ClientTCPAddress       string
	ClientWebSocketAddress string

	// Discovery is called by the address resolver on every RefreshInterval
	// tick. It returns the current fleet as seen by the caller (me).
	Discovery func(me string) ([]ServerInfo, error)
}

// Option mutates a Config being built by NewConfig.
type Option func(*Config)

// DefaultConfig returns the baseline configuration spec.md §6 names.
func DefaultConfig() Config {
	return Config{
		ReceiveBufferSize:     64 * 1024,
		SendBufferSize:        64 * 1024,
		PauseWriterThreshold:  256 * 1024,
		ResumeWriterThreshold: 64 * 1024,
		MaxPacketSize:         2 * 1024 * 1024,
		HeartbeatTimeout:      90 * time.Second,
		RequestTimeout:        30 * time.Second,
		RefreshInterval:       3 * time.Second,
		TCPKeepAliveTime:      30 * time.Second,
		TCPKeepAliveInterval:  10 * time.Second,
		WebSocketPath:         "/ws",
	}
}

// NewConfig applies opts on top of DefaultConfig and validates the result.
// A Play node defaults to TCP+WebSocket transport unless overridden by
// WithTransportKinds; an Api node defaults to none, since it has no
// client-facing transport to expose (spec.md §1).
func NewConfig(serverID, nid string, serviceID uint16, typ ServerType, address string, opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	cfg.ServerID = serverID
	cfg.Nid = nid
	cfg.ServiceID = serviceID
	cfg.Type = typ
	cfg.Address = address
	if typ == Play {
		cfg.TransportKinds = TransportTCP | TransportWebSocket
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports a non-nil error for any configuration the runtime cannot
// safely operate under.
func (c Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("playhouse: ServerID must not be empty")
	}
	if c.Nid == "" {
		return fmt.Errorf("playhouse: Nid must not be empty")
	}
	if c.MaxPacketSize <= 0 {
		return fmt.Errorf("playhouse: MaxPacketSize must be positive")
	}
	if c.ResumeWriterThreshold > c.PauseWriterThreshold {
		return fmt.Errorf("playhouse: ResumeWriterThreshold must not exceed PauseWriterThreshold")
	}
	// Api nodes answer fleet requests over the mesh only (spec.md §1); only
	// Play nodes need a client-facing transport.
	if c.Type == Play && c.TransportKinds == 0 {
		return fmt.Errorf("playhouse: at least one TransportKind must be enabled for a Play node")
	}
	if (c.TransportKinds.Has(TransportTCP) || c.TransportKinds.Has(TransportTCPTLS)) && c.ClientTCPAddress == "" {
		return fmt.Errorf("playhouse: ClientTCPAddress must be set when a TCP TransportKind is enabled")
	}
	if (c.TransportKinds.Has(TransportWebSocket) || c.TransportKinds.Has(TransportWebSocketTLS)) && c.ClientWebSocketAddress == "" {
		return fmt.Errorf("playhouse: ClientWebSocketAddress must be set when a WebSocket TransportKind is enabled")
	}
	return nil
}

func WithReceiveBufferSize(n int) Option { return func(c *Config) { c.ReceiveBufferSize = n } }
func WithSendBufferSize(n int) Option    { return func(c *Config) { c.SendBufferSize = n } }
func WithBackpressureThresholds(pause, resume int) Option {
	return func(c *Config) { c.PauseWriterThreshold = pause; c.ResumeWriterThreshold = resume }
}
func WithMaxPacketSize(n int) Option             { return func(c *Config) { c.MaxPacketSize = n } }
func WithHeartbeatTimeout(d time.Duration) Option { return func(c *Config) { c.HeartbeatTimeout = d } }
func WithRequestTimeout(d time.Duration) Option  { return func(c *Config) { c.RequestTimeout = d } }
func WithRefreshInterval(d time.Duration) Option { return func(c *Config) { c.RefreshInterval = d } }
func WithTransportKinds(k TransportKind) Option  { return func(c *Config) { c.TransportKinds = k } }
func WithWebSocketPath(p string) Option          { return func(c *Config) { c.WebSocketPath = p } }
func WithClientTCPAddress(addr string) Option {
	return func(c *Config) { c.ClientTCPAddress = addr }
}
func WithClientWebSocketAddress(addr string) Option {
	return func(c *Config) { c.ClientWebSocketAddress = addr }
}
func WithDiscovery(fn func(me string) ([]ServerInfo, error)) Option {
	return func(c *Config) { c.Discovery = fn }
}
func WithTLS(enable, requireClientCert, checkRevocation bool) Option {
	return func(c *Config) {
		c.EnableTLS = enable
		c.RequireClientCertificate = requireClientCert
		c.CheckCertificateRevocation = checkRevocation
	}
}
func WithTCPKeepAlive(t, interval time.Duration) Option {
	return func(c *Config) { c.TCPKeepAliveTime = t; c.TCPKeepAliveInterval = interval }
}
