// Package config loads dfremote settings from a TOML file and environment
// overrides, and turns them into rpc client settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/rpc"
	"github.com/kbirk/dfremote/pkg/rpc/tcp"
	"github.com/kbirk/dfremote/pkg/rpc/unix"
	"github.com/kbirk/dfremote/pkg/rpc/websocket"
	"github.com/kbirk/dfremote/pkg/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	EnvHost      = "DFREMOTE_HOST"
	EnvPort      = "DFREMOTE_PORT"
	EnvTransport = "DFREMOTE_TRANSPORT"
	EnvLogLevel  = "DFREMOTE_LOG_LEVEL"
	EnvNoColor   = "DFREMOTE_LOG_NOCOLOR"
	EnvEtcd      = "DFREMOTE_ETCD_ENDPOINTS"
)

const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
	TransportUnix      = "unix"
)

const (
	ProceduresCore = "core"
	ProceduresAll  = "all"
)

var ErrInvalid = errors.New("config: invalid")

type EtcdConfig struct {
	Endpoints   []string
	Key         string
	DialTimeout time.Duration
}

type Config struct {
	Host      string
	Port      int
	Transport string
	// Path is the websocket upgrade path.
	Path               string
	// Socket is the socket file for the unix transport.
	Socket             string
	TLS                bool
	InsecureSkipVerify bool
	CAFile             string
	Revision           wire.Revision
	// Procedures selects the table bound on connect: core or all.
	Procedures  string
	LogLevel    zerolog.Level
	NoColor     bool
	CloseGrace  time.Duration
	CallTimeout time.Duration
	// RateLimit is calls per second, zero for unlimited.
	RateLimit float64
	RateBurst int
	Etcd      EtcdConfig
}

// Default connects over websocket to a local server, like the browser
// client DFHack ships with.
func Default() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        8080,
		Transport:   TransportWebSocket,
		Path:        websocket.DefaultPath,
		Revision:    wire.Revision8,
		Procedures:  ProceduresCore,
		LogLevel:    zerolog.InfoLevel,
		CloseGrace:  rpc.DefaultCloseGrace,
		CallTimeout: 30 * time.Second,
		RateBurst:   1,
		Etcd: EtcdConfig{
			Key:         "/dfremote/server",
			DialTimeout: 5 * time.Second,
		},
	}
}

type fileConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	Transport          string   `toml:"transport"`
	Path               string   `toml:"path"`
	Socket             string   `toml:"socket"`
	TLS                bool     `toml:"tls"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	CAFile             string   `toml:"ca_file"`
	HeaderSize         int      `toml:"header_size"`
	Procedures         string   `toml:"procedures"`
	LogLevel           string   `toml:"log_level"`
	NoColor            bool     `toml:"no_color"`
	CloseGrace         string   `toml:"close_grace"`
	CallTimeout        string   `toml:"call_timeout"`
	RateLimit          float64  `toml:"rate_limit"`
	RateBurst          int      `toml:"rate_burst"`
	EtcdEndpoints      []string `toml:"etcd_endpoints"`
	EtcdKey            string   `toml:"etcd_key"`
	EtcdDialTimeout    string   `toml:"etcd_dial_timeout"`
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load dfremote config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}

	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("tls") {
		cfg.TLS = raw.TLS
	}

	if meta.IsDefined("insecure_skip_verify") {
		cfg.InsecureSkipVerify = raw.InsecureSkipVerify
	}

	if meta.IsDefined("ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.CAFile)
	}

	if meta.IsDefined("header_size") {
		rev, err := parseHeaderSize(raw.HeaderSize)
		if err != nil {
			return Config{}, err
		}
		cfg.Revision = rev
	}

	if meta.IsDefined("procedures") {
		cfg.Procedures = strings.ToLower(strings.TrimSpace(raw.Procedures))
	}

	if meta.IsDefined("log_level") {
		lvl, ok := log.ParseLevel(raw.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("%w: log_level %q", ErrInvalid, raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("no_color") {
		cfg.NoColor = raw.NoColor
	}

	if meta.IsDefined("close_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CloseGrace))
		if err != nil {
			return Config{}, fmt.Errorf("parse close_grace: %w", err)
		}
		cfg.CloseGrace = d
	}

	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}

	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}

	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}

	if meta.IsDefined("etcd_endpoints") {
		cfg.Etcd.Endpoints = normalizeList(raw.EtcdEndpoints)
	}

	if meta.IsDefined("etcd_key") {
		cfg.Etcd.Key = strings.TrimSpace(raw.EtcdKey)
	}

	if meta.IsDefined("etcd_dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.EtcdDialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse etcd_dial_timeout: %w", err)
		}
		cfg.Etcd.DialTimeout = d
	}

	return cfg, nil
}

func parseHeaderSize(size int) (wire.Revision, error) {
	switch size {
	case 8:
		return wire.Revision8, nil
	case 6:
		return wire.Revision6, nil
	default:
		return 0, fmt.Errorf("%w: header_size %d, expected 8 or 6", ErrInvalid, size)
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ApplyEnv overrides settings from DFREMOTE_* variables. Unparsable values
// are ignored.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		c.Host = v
	}
	if port, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvPort))); err == nil {
		c.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		c.Transport = strings.ToLower(v)
	}
	if lvl, ok := log.ParseLevel(os.Getenv(EnvLogLevel)); ok {
		c.LogLevel = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvNoColor)); ok {
		c.NoColor = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEtcd)); v != "" {
		c.Etcd.Endpoints = normalizeList(strings.Split(v, ","))
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportUnix:
		if c.Socket == "" {
			errs = append(errs, fmt.Errorf("%w: unix transport needs a socket path", ErrInvalid))
		}
	case TransportWebSocket, TransportTCP:
		if c.Host == "" && len(c.Etcd.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("%w: host is empty and no etcd endpoints are set", ErrInvalid))
		}
		if len(c.Etcd.Endpoints) == 0 && (c.Port <= 0 || c.Port > 65535) {
			errs = append(errs, fmt.Errorf("%w: port %d", ErrInvalid, c.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: transport %q", ErrInvalid, c.Transport))
	}
	if c.Procedures != ProceduresCore && c.Procedures != ProceduresAll {
		errs = append(errs, fmt.Errorf("%w: procedures %q", ErrInvalid, c.Procedures))
	}
	if c.CloseGrace < 0 || c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative duration", ErrInvalid))
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		errs = append(errs, fmt.Errorf("%w: rate limit %v with burst %d", ErrInvalid, c.RateLimit, c.RateBurst))
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Key == "" {
		errs = append(errs, fmt.Errorf("%w: etcd key is empty", ErrInvalid))
	}
	return errors.Join(errs...)
}

// ClientTransport builds the transport for a resolved server address. The
// unix transport ignores host and port.
func (c Config) ClientTransport(host string, port int) (rpc.ClientTransport, error) {
	switch c.Transport {
	case TransportWebSocket:
		conf := websocket.ClientTransportConfig{
			Host: host,
			Port: port,
			Path: c.Path,
		}
		if c.TLS {
			tlsTransport := tcp.NewClientTransportTLS(tcp.ClientTransportTLSConfig{
				InsecureSkipVerify: c.InsecureSkipVerify,
				CAFile:             c.CAFile,
			})
			tlsConfig, err := tlsTransport.TLSConfig()
			if err != nil {
				return nil, err
			}
			conf.TLSConfig = tlsConfig
		}
		return websocket.NewClientTransport(conf), nil

	case TransportTCP:
		if c.TLS {
			return tcp.NewClientTransportTLS(tcp.ClientTransportTLSConfig{
				Host:               host,
				Port:               port,
				NoDelay:            true,
				InsecureSkipVerify: c.InsecureSkipVerify,
				CAFile:             c.CAFile,
			}), nil
		}
		return tcp.NewClientTransport(tcp.ClientTransportConfig{
			Host:    host,
			Port:    port,
			NoDelay: true,
		}), nil

	case TransportUnix:
		return unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: c.Socket,
		}), nil

	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalid, c.Transport)
	}
}

// ProcedureTable returns the procedures to bind on connect.
func (c Config) ProcedureTable() []dfproto.Procedure {
	if c.Procedures == ProceduresAll {
		return dfproto.Procedures()
	}
	return dfproto.CoreProcedures()
}

// Middleware returns the call middleware the settings ask for.
func (c Config) Middleware(logger log.Logger) []rpc.Middleware {
	var middleware []rpc.Middleware
	if logger != nil {
		middleware = append(middleware, rpc.Logging(logger))
	}
	if c.RateLimit > 0 {
		middleware = append(middleware, rpc.RateLimit(rate.NewLimiter(rate.Limit(c.RateLimit), c.RateBurst)))
	}
	if c.CallTimeout > 0 {
		middleware = append(middleware, rpc.Timeout(c.CallTimeout))
	}
	return middleware
}

// ClientConfig builds the rpc client settings for a transport.
func (c Config) ClientConfig(transport rpc.ClientTransport, logger log.Logger) rpc.ClientConfig {
	return rpc.ClientConfig{
		Transport:  transport,
		Procedures: c.ProcedureTable(),
		Revision:   c.Revision,
		CloseGrace: c.CloseGrace,
		Logger:     logger,
	}
}
