package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const envPrefix = "QUICDROP_"

const (
	defaultServerAddr    = "0.0.0.0:33333"
	defaultClientAddr    = "127.0.0.1:33333"
	defaultServerName    = "localhost"
	defaultCertFile      = "quicdrop-cert.pem"
	defaultOutDir        = "received"
	defaultMaxStreams    = 255
	defaultMaxPayload    = 64 * 1024 * 1024
	defaultStreamTimeout = 2 * time.Minute
	defaultDialTimeout   = 10 * time.Second
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr          string
	ServerName    string // certificate subject
	CertOut       string // where the certificate PEM is written for clients
	OutDir        string
	MaxStreams    int
	MaxPayload    int64
	StreamTimeout time.Duration
	ConnWindow    int
	StreamWindow  int
	UDPBuffer     int
	MetricsAddr   string
	LogLevel      string
	LogFormat     string
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	Addr        string
	ServerName  string
	CAFile      string
	DialTimeout time.Duration
	LogLevel    string
	LogFormat   string
	Paths       []string
}

type serverFile struct {
	Addr          string `toml:"addr"`
	ServerName    string `toml:"server_name"`
	CertOut       string `toml:"cert_out"`
	OutDir        string `toml:"out_dir"`
	MaxStreams    int    `toml:"max_streams"`
	MaxPayload    int64  `toml:"max_payload"`
	StreamTimeout string `toml:"stream_timeout"`
	ConnWindow    int    `toml:"conn_window"`
	StreamWindow  int    `toml:"stream_window"`
	UDPBuffer     int    `toml:"udp_buffer"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
}

type clientFile struct {
	Addr        string   `toml:"addr"`
	ServerName  string   `toml:"server_name"`
	CA          string   `toml:"ca"`
	DialTimeout string   `toml:"dial_timeout"`
	LogLevel    string   `toml:"log_level"`
	LogFormat   string   `toml:"log_format"`
	Paths       []string `toml:"paths"`
}

// ParseServerConfig parses server configuration.
// Precedence: flags, then QUICDROP_* environment variables, then the TOML
// file named by -config or QUICDROP_CONFIG, then defaults.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:          defaultServerAddr,
		ServerName:    defaultServerName,
		CertOut:       defaultCertFile,
		OutDir:        defaultOutDir,
		MaxStreams:    defaultMaxStreams,
		MaxPayload:    defaultMaxPayload,
		StreamTimeout: defaultStreamTimeout,
		LogLevel:      "info",
		LogFormat:     "text",
	}

	configPath := configFileFromArgs(args)
	if configPath != "" {
		if err := loadServerFile(configPath, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	// Environment overrides the file
	env := envReader{}
	env.stringVar("ADDR", &cfg.Addr)
	env.stringVar("SERVER_NAME", &cfg.ServerName)
	env.stringVar("CERT_OUT", &cfg.CertOut)
	env.stringVar("OUT_DIR", &cfg.OutDir)
	env.intVar("MAX_STREAMS", &cfg.MaxStreams)
	env.int64Var("MAX_PAYLOAD", &cfg.MaxPayload)
	env.durationVar("STREAM_TIMEOUT", &cfg.StreamTimeout)
	env.intVar("CONN_WINDOW", &cfg.ConnWindow)
	env.intVar("STREAM_WINDOW", &cfg.StreamWindow)
	env.intVar("UDP_BUFFER", &cfg.UDPBuffer)
	env.stringVar("METRICS_ADDR", &cfg.MetricsAddr)
	env.stringVar("LOG_LEVEL", &cfg.LogLevel)
	env.stringVar("LOG_FORMAT", &cfg.LogFormat)
	if env.err != nil {
		return ServerConfig{}, env.err
	}

	// Flags override environment
	fs.String("config", configPath, "TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "UDP address to listen on")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "subject of the self-signed certificate")
	fs.StringVar(&cfg.CertOut, "cert-out", cfg.CertOut, "file the certificate PEM is written to")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory received payloads are stored in")
	fs.IntVar(&cfg.MaxStreams, "max-streams", cfg.MaxStreams, "max concurrent streams per connection (1..2048)")
	fs.Int64Var(&cfg.MaxPayload, "max-payload", cfg.MaxPayload, "max payload size in bytes")
	fs.DurationVar(&cfg.StreamTimeout, "stream-timeout", cfg.StreamTimeout, "time limit to receive one stream (negative disables)")
	fs.IntVar(&cfg.ConnWindow, "conn-window", cfg.ConnWindow, "QUIC connection receive window in bytes (0 = default)")
	fs.IntVar(&cfg.StreamWindow, "stream-window", cfg.StreamWindow, "QUIC stream receive window in bytes (0 = default)")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer size in bytes (0 = default)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if cfg.MaxPayload <= 0 {
		return ServerConfig{}, fmt.Errorf("max payload must be positive, got %d", cfg.MaxPayload)
	}
	if cfg.MaxStreams < 1 {
		cfg.MaxStreams = 1
	}
	if cfg.MaxStreams > 2048 {
		cfg.MaxStreams = 2048
	}
	return cfg, nil
}

func loadServerFile(path string, cfg *ServerConfig) error {
	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("server_name") {
		cfg.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("cert_out") {
		cfg.CertOut = strings.TrimSpace(raw.CertOut)
	}
	if meta.IsDefined("out_dir") {
		cfg.OutDir = strings.TrimSpace(raw.OutDir)
	}
	if meta.IsDefined("max_streams") {
		cfg.MaxStreams = raw.MaxStreams
	}
	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("stream_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StreamTimeout))
		if err != nil {
			return fmt.Errorf("parse stream_timeout: %w", err)
		}
		cfg.StreamTimeout = d
	}
	if meta.IsDefined("conn_window") {
		cfg.ConnWindow = raw.ConnWindow
	}
	if meta.IsDefined("stream_window") {
		cfg.StreamWindow = raw.StreamWindow
	}
	if meta.IsDefined("udp_buffer") {
		cfg.UDPBuffer = raw.UDPBuffer
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

// ParseClientConfig parses client configuration with the same precedence as
// ParseServerConfig. Positional arguments and repeated -path flags name the
// files to send.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		Addr:        defaultClientAddr,
		ServerName:  defaultServerName,
		CAFile:      defaultCertFile,
		DialTimeout: defaultDialTimeout,
		LogLevel:    "info",
		LogFormat:   "text",
	}

	configPath := configFileFromArgs(args)
	if configPath != "" {
		if err := loadClientFile(configPath, &cfg); err != nil {
			return ClientConfig{}, err
		}
	}

	// Environment overrides the file
	env := envReader{}
	env.stringVar("ADDR", &cfg.Addr)
	env.stringVar("SERVER_NAME", &cfg.ServerName)
	env.stringVar("CA", &cfg.CAFile)
	env.durationVar("DIAL_TIMEOUT", &cfg.DialTimeout)
	env.stringVar("LOG_LEVEL", &cfg.LogLevel)
	env.stringVar("LOG_FORMAT", &cfg.LogFormat)
	if env.err != nil {
		return ClientConfig{}, env.err
	}

	// Flags override environment
	fs.String("config", configPath, "TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "expected server certificate name")
	fs.StringVar(&cfg.CAFile, "ca", cfg.CAFile, "server certificate PEM to trust")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "handshake time limit")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")

	// Handle repeatable --path flag
	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "file to send (repeatable)")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	paths = append(paths, fs.Args()...)
	if len(paths) > 0 {
		cfg.Paths = paths
	}
	return cfg, nil
}

func loadClientFile(path string, cfg *ClientConfig) error {
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("server_name") {
		cfg.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("ca") {
		cfg.CAFile = strings.TrimSpace(raw.CA)
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("paths") {
		cfg.Paths = normalizePaths(raw.Paths)
	}
	return nil
}

// configFileFromArgs finds -config before the flag set is parsed, so the file
// can be applied underneath environment and flags.
func configFileFromArgs(args []string) string {
	path := os.Getenv(envPrefix + "CONFIG")
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			path = value
		} else if i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return path
}

func normalizePaths(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// envReader applies QUICDROP_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func (e *envReader) stringVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) int64Var(key string, dst *int64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
