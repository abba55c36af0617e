package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultReportInterval    = 5 * time.Second
	defaultMaxCache          = 100
	defaultTransport         = TransportHTTP
	defaultSendTimeout       = 10 * time.Second
	defaultDedupWindow       = 30 * time.Minute
	defaultHashSweepInterval = time.Hour
	defaultSimilarity        = 0.85
	defaultResolveTimeout    = 3 * time.Second
	defaultIngestListen      = "127.0.0.1:9410"
	defaultIngestPath        = "/report"
	defaultIngestMaxBody     = 1 << 20
	defaultPprofListen       = "127.0.0.1:6060"
	defaultMetricsPath       = "/metrics"
	defaultStateDirName      = "monitor"
)

// Delivery transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Built-in transform kinds.
const (
	TransformIgnoreErrors = "ignore_errors"
	TransformRedact       = "redact"
	TransformSample       = "sample"
)

var (
	// ErrAppIDRequired reports a missing monitor.app_id.
	ErrAppIDRequired = errors.New("monitor.app_id is required")
	// ErrServerURLRequired reports a missing monitor.server_url.
	ErrServerURLRequired = errors.New("monitor.server_url is required")
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the root agent configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Monitor   MonitorConfig   `toml:"monitor"`
	Processor ProcessorConfig `toml:"processor"`
	Storage   StorageConfig   `toml:"storage"`
	Ingest    IngestConfig    `toml:"ingest"`
	Log       LogConfig       `toml:"log"`
	Pprof     PprofConfig     `toml:"pprof"`
}

// MonitorConfig identifies the application and its delivery endpoint.
// Params: app identity, endpoint, batching and device descriptors.
// Returns: monitor settings.
type MonitorConfig struct {
	AppID          string         `toml:"app_id"`
	AppToken       string         `toml:"app_token"`
	ServerURL      string         `toml:"server_url"`
	Debug          bool           `toml:"debug"`
	ReportInterval Duration       `toml:"report_interval"`
	MaxCache       int            `toml:"max_cache"`
	Transport      string         `toml:"transport"`
	GRPCAddr       string         `toml:"grpc_addr"`
	Timeout        Duration       `toml:"timeout"`
	Compress       bool           `toml:"compress"`
	UserAgent      string         `toml:"user_agent"`
	Language       string         `toml:"language"`
	ScreenSize     string         `toml:"screen_size"`
	Context        map[string]any `toml:"context"`
}

// ProcessorConfig controls dedup, enrichment, similarity merge and custom transforms.
// Params: processor switches and provider lists.
// Returns: processor settings.
type ProcessorConfig struct {
	EnableDeduplicate   *bool               `toml:"enable_deduplicate"`
	DeduplicateWindow   Duration            `toml:"deduplicate_window"`
	HashSweepInterval   Duration            `toml:"hash_sweep_interval"`
	CollectUserIP       *bool               `toml:"collect_user_ip"`
	CollectGeoInfo      bool                `toml:"collect_geo_info"`
	MergeSimilarErrors  *bool               `toml:"merge_similar_errors"`
	SimilarityThreshold float64             `toml:"similarity_threshold"`
	ResolveTimeout      Duration            `toml:"resolve_timeout"`
	DiscoverLocalIP     *bool               `toml:"discover_local_ip"`
	IPProviders         []string            `toml:"ip_providers"`
	GeoProviders        []GeoProviderConfig `toml:"geo_provider"`
	Transforms          []TransformConfig   `toml:"transform"`
}

// GeoProviderConfig defines one geo lookup endpoint.
// Params: kind (ipapi|ipinfo) and URL with optional {ip} placeholder.
// Returns: provider settings.
type GeoProviderConfig struct {
	Kind string `toml:"kind"`
	URL  string `toml:"url"`
}

// TransformConfig defines one built-in transform applied before enrichment.
// Params: kind plus kind-specific fields.
// Returns: transform settings.
type TransformConfig struct {
	Kind     string   `toml:"kind"`
	Patterns []string `toml:"patterns"`
	Keys     []string `toml:"keys"`
	Rate     *float64 `toml:"rate"`
	Types    []string `toml:"types"`
}

// StorageConfig selects where durable state lives.
// Params: dir state directory (defaults to the user cache dir); memory keeps state in process memory only.
// Returns: storage settings.
type StorageConfig struct {
	Dir    string `toml:"dir"`
	Memory bool   `toml:"memory"`
}

// IngestConfig defines the optional local HTTP report endpoint.
// Params: enabled flag, listen address, path and body limit.
// Returns: ingest settings.
type IngestConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Path    string `toml:"path"`
	MaxBody int64  `toml:"max_body"`
}

// PprofConfig defines optional runtime pprof and metrics HTTP endpoint.
// Params: enabled flag, listen address in host:port format and metrics path.
// Returns: debug endpoint settings.
type PprofConfig struct {
	Enabled     bool   `toml:"enabled"`
	Listen      string `toml:"listen"`
	MetricsPath string `toml:"metrics_path"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// DedupEnabled reports the effective enable_deduplicate switch.
func (p ProcessorConfig) DedupEnabled() bool { return boolOrDefault(p.EnableDeduplicate, true) }

// UserIPEnabled reports the effective collect_user_ip switch.
func (p ProcessorConfig) UserIPEnabled() bool { return boolOrDefault(p.CollectUserIP, true) }

// MergeEnabled reports the effective merge_similar_errors switch.
func (p ProcessorConfig) MergeEnabled() bool { return boolOrDefault(p.MergeSimilarErrors, true) }

// DiscoverLocalEnabled reports the effective discover_local_ip switch.
func (p ProcessorConfig) DiscoverLocalEnabled() bool { return boolOrDefault(p.DiscoverLocalIP, true) }

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := Prepare(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Prepare applies defaults and validates a programmatically built config.
// Params: cfg config to normalize in place.
// Returns: validation error; ErrAppIDRequired / ErrServerURLRequired are matchable with errors.Is.
func Prepare(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.applyDefaults()
	return cfg.validate()
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: none.
func (c *Config) applyDefaults() {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}
	if c.Monitor.Debug {
		c.Log.Console.Level = "debug"
	}

	c.applyMonitorDefaults()
	c.applyProcessorDefaults()

	c.Storage.Dir = strings.TrimSpace(c.Storage.Dir)
	if c.Storage.Memory {
		c.Storage.Dir = ""
	} else if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultStateDir()
	}
	if c.Ingest.Enabled {
		if strings.TrimSpace(c.Ingest.Listen) == "" {
			c.Ingest.Listen = defaultIngestListen
		}
		if strings.TrimSpace(c.Ingest.Path) == "" {
			c.Ingest.Path = defaultIngestPath
		}
		if c.Ingest.MaxBody <= 0 {
			c.Ingest.MaxBody = defaultIngestMaxBody
		}
	}
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}
	if strings.TrimSpace(c.Pprof.MetricsPath) == "" {
		c.Pprof.MetricsPath = defaultMetricsPath
	}
}

// DefaultStateDir returns the per-user state directory used when storage.dir is unset.
// Params: none.
// Returns: directory path, or "" when the user cache dir is unknown.
func DefaultStateDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		return ""
	}
	return filepath.Join(base, defaultStateDirName)
}

func (c *Config) applyMonitorDefaults() {
	m := &c.Monitor
	m.AppID = strings.TrimSpace(m.AppID)
	m.ServerURL = strings.TrimSpace(m.ServerURL)
	if m.ServerURL != "" && !strings.HasSuffix(m.ServerURL, "/") {
		m.ServerURL += "/"
	}
	if m.ReportInterval.Duration <= 0 {
		m.ReportInterval.Duration = defaultReportInterval
	}
	if m.MaxCache <= 0 {
		m.MaxCache = defaultMaxCache
	}
	m.Transport = lowerOrDefault(m.Transport, defaultTransport)
	if m.Timeout.Duration <= 0 {
		m.Timeout.Duration = defaultSendTimeout
	}
	if m.Context == nil {
		m.Context = map[string]any{}
	}
}

func (c *Config) applyProcessorDefaults() {
	p := &c.Processor
	if p.DeduplicateWindow.Duration <= 0 {
		p.DeduplicateWindow.Duration = defaultDedupWindow
	}
	if p.HashSweepInterval.Duration <= 0 {
		p.HashSweepInterval.Duration = defaultHashSweepInterval
	}
	if p.SimilarityThreshold == 0 {
		p.SimilarityThreshold = defaultSimilarity
	}
	if p.ResolveTimeout.Duration <= 0 {
		p.ResolveTimeout.Duration = defaultResolveTimeout
	}
	for idx := range p.GeoProviders {
		p.GeoProviders[idx].Kind = strings.ToLower(strings.TrimSpace(p.GeoProviders[idx].Kind))
	}
	for idx := range p.Transforms {
		p.Transforms[idx].Kind = strings.ToLower(strings.TrimSpace(p.Transforms[idx].Kind))
	}
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if c.Monitor.AppID == "" {
		return ErrAppIDRequired
	}
	if c.Monitor.ServerURL == "" {
		return ErrServerURLRequired
	}
	if parsed, err := url.Parse(c.Monitor.ServerURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("monitor.server_url must be an absolute URL, got %q", c.Monitor.ServerURL)
	}
	switch c.Monitor.Transport {
	case TransportHTTP:
	case TransportGRPC:
		if strings.TrimSpace(c.Monitor.GRPCAddr) == "" {
			return fmt.Errorf("monitor.grpc_addr is required when transport is %q", TransportGRPC)
		}
	default:
		return fmt.Errorf("monitor.transport: unsupported value %q", c.Monitor.Transport)
	}

	if err := c.validateProcessor(); err != nil {
		return err
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateListen("ingest", c.Ingest.Enabled, c.Ingest.Listen); err != nil {
		return err
	}
	if c.Ingest.Enabled && !strings.HasPrefix(c.Ingest.Path, "/") {
		return fmt.Errorf("ingest.path must start with '/'")
	}
	if err := validateListen("pprof", c.Pprof.Enabled, c.Pprof.Listen); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Pprof.MetricsPath, "/") {
		return fmt.Errorf("pprof.metrics_path must start with '/'")
	}

	return nil
}

// validateProcessor validates thresholds, providers and transforms.
// Params: receiver config pointer.
// Returns: validation error or nil.
func (c *Config) validateProcessor() error {
	p := c.Processor
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("processor.similarity_threshold must be within 0..1")
	}
	for idx, provider := range p.IPProviders {
		if strings.TrimSpace(provider) == "" {
			return fmt.Errorf("processor.ip_providers[%d] cannot be empty", idx)
		}
	}
	for idx, provider := range p.GeoProviders {
		path := fmt.Sprintf("processor.geo_provider[%d]", idx)
		switch provider.Kind {
		case "ipapi", "ipinfo":
		default:
			return fmt.Errorf("%s.kind: unsupported value %q", path, provider.Kind)
		}
		if strings.TrimSpace(provider.URL) == "" {
			return fmt.Errorf("%s.url is required", path)
		}
	}
	for idx, transform := range p.Transforms {
		if err := validateTransform(fmt.Sprintf("processor.transform[%d]", idx), transform); err != nil {
			return err
		}
	}
	return nil
}

// validateTransform validates one built-in transform definition.
// Params: path config path; cfg transform section.
// Returns: validation error or nil.
func validateTransform(path string, cfg TransformConfig) error {
	switch cfg.Kind {
	case TransformIgnoreErrors:
		if len(cfg.Patterns) == 0 {
			return fmt.Errorf("%s.patterns must contain at least one pattern", path)
		}
	case TransformRedact:
	case TransformSample:
		if cfg.Rate == nil {
			return fmt.Errorf("%s.rate is required", path)
		}
		if *cfg.Rate < 0 || *cfg.Rate > 1 {
			return fmt.Errorf("%s.rate must be within 0..1", path)
		}
	default:
		return fmt.Errorf("%s.kind: unsupported value %q", path, cfg.Kind)
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "panic", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateListen validates optional listener endpoint settings.
// Params: path is config path prefix; enabled flag; listen address.
// Returns: validation error for invalid listen endpoint.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}

func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
