// Package config implements the daemon configuration: TOML on disk, with a
// built-in default and a second override layer applied on top (used for
// command-line --set style overrides).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Pyxxilated-Studios/empath/internal/log"
)

// Timeouts groups the inbound-session timers of §4.7.
type Timeouts struct {
	CommandSecs         int `toml:"command_secs"`
	DataInitSecs        int `toml:"data_init_secs"`
	DataBlockSecs       int `toml:"data_block_secs"`
	DataTerminationSecs int `toml:"data_termination_secs"`
	ConnectionSecs      int `toml:"connection_secs"`
}

// TLS names the certificate/key pair that enables STARTTLS when present.
type TLS struct {
	CertificatePath string `toml:"certificate_path"`
	KeyPath         string `toml:"key_path"`
}

// Receiver is the inbound SMTP server configuration.
type Receiver struct {
	BindAddress     string   `toml:"bind_address"`
	Banner          string   `toml:"banner"`
	MaxMessageSize  int64    `toml:"max_message_size"`
	Timeouts        Timeouts `toml:"timeouts"`
	TLS             TLS      `toml:"tls"`
}

// Delivery tunes the outbound pipeline and retry schedule of §4.10/§4.11.
type Delivery struct {
	ScanIntervalSecs     int     `toml:"scan_interval_secs"`
	ProcessIntervalSecs  int     `toml:"process_interval_secs"`
	MaxAttempts          int     `toml:"max_attempts"`
	BaseRetryDelaySecs   int     `toml:"base_retry_delay_secs"`
	MaxRetryDelaySecs    int     `toml:"max_retry_delay_secs"`
	RetryJitterFactor    float64 `toml:"retry_jitter_factor"`
	MessageExpirationSecs int    `toml:"message_expiration_secs"`
	AcceptInvalidCerts   bool    `toml:"accept_invalid_certs"`
}

// DNS tunes the resolver cache of §4.4.
type DNS struct {
	TimeoutSecs     int `toml:"timeout_secs"`
	CacheTTLSecs    int `toml:"cache_ttl_secs"`
	MinCacheTTLSecs int `toml:"min_cache_ttl_secs"`
	MaxCacheTTLSecs int `toml:"max_cache_ttl_secs"`
	CacheSize       int `toml:"cache_size"`
}

// DomainOverride is one entry of the per-domain override table.
type DomainOverride struct {
	MxOverride         string `toml:"mx_override"`
	RequireTLS         bool   `toml:"require_tls"`
	AcceptInvalidCerts *bool  `toml:"accept_invalid_certs"`
	MaxConnections     *int   `toml:"max_connections"`
	RateLimit          *uint32 `toml:"rate_limit"`
}

// RateLimit is the global token-bucket configuration of §4.5.
type RateLimit struct {
	MessagesPerSecond float64                   `toml:"messages_per_second"`
	BurstSize         float64                   `toml:"burst_size"`
	Overrides         map[string]DomainOverride `toml:"overrides"`
}

// CircuitBreaker is the global breaker configuration of §4.6.
type CircuitBreaker struct {
	FailureThreshold int                       `toml:"failure_threshold"`
	FailureWindowSecs int                      `toml:"failure_window_secs"`
	TimeoutSecs      int                       `toml:"timeout_secs"`
	SuccessThreshold int                       `toml:"success_threshold"`
	Overrides        map[string]DomainOverride `toml:"overrides"`
}

// DSN configures bounce generation of §4.12.
type DSN struct {
	Enabled      bool   `toml:"enabled"`
	ReportingMTA string `toml:"reporting_mta"`
	Postmaster   string `toml:"postmaster"`
}

// ClientTimeouts are the per-step timeouts of the outbound transaction
// (§4.8), in seconds.
type ClientTimeouts struct {
	ConnectSecs  int `toml:"connect"`
	EhloSecs     int `toml:"ehlo"`
	StartTLSSecs int `toml:"starttls"`
	MailFromSecs int `toml:"mail_from"`
	RcptToSecs   int `toml:"rcpt_to"`
	DataSecs     int `toml:"data"`
	QuitSecs     int `toml:"quit"`
}

// Config is the full, merged configuration for one daemon instance.
type Config struct {
	Hostname string `toml:"hostname"`
	DataDir  string `toml:"data_dir"`

	Receiver       Receiver                  `toml:"receiver"`
	Delivery       Delivery                  `toml:"delivery"`
	DNS            DNS                       `toml:"dns"`
	Domains        map[string]DomainOverride `toml:"domains"`
	RateLimit      RateLimit                 `toml:"rate_limit"`
	CircuitBreaker CircuitBreaker            `toml:"circuit_breaker"`
	DSN            DSN                       `toml:"dsn"`
	ClientTimeouts ClientTimeouts            `toml:"client_timeouts"`
}

var defaultConfig = Config{
	DataDir: "/var/lib/empathd",
	Receiver: Receiver{
		BindAddress:    "0.0.0.0:25",
		Banner:         "ESMTP empathd",
		MaxMessageSize: 50 * 1024 * 1024,
		Timeouts: Timeouts{
			CommandSecs:         300,
			DataInitSecs:        120,
			DataBlockSecs:       180,
			DataTerminationSecs: 600,
			ConnectionSecs:      3600,
		},
	},
	Delivery: Delivery{
		ScanIntervalSecs:   30,
		ProcessIntervalSecs: 10,
		MaxAttempts:        25,
		BaseRetryDelaySecs: 60,
		MaxRetryDelaySecs:  86400,
		RetryJitterFactor:  0.2,
	},
	DNS: DNS{
		TimeoutSecs:     5,
		MinCacheTTLSecs: 60,
		MaxCacheTTLSecs: 3600,
		CacheSize:       1000,
	},
	RateLimit: RateLimit{
		MessagesPerSecond: 10,
		BurstSize:         20,
	},
	CircuitBreaker: CircuitBreaker{
		FailureThreshold:  5,
		FailureWindowSecs: 60,
		TimeoutSecs:       300,
		SuccessThreshold:  1,
	},
	DSN: DSN{
		Enabled: true,
	},
	ClientTimeouts: ClientTimeouts{
		ConnectSecs:  30,
		EhloSecs:     30,
		StartTLSSecs: 30,
		MailFromSecs: 30,
		RcptToSecs:   30,
		DataSecs:     120,
		QuitSecs:     10,
	},
}

// Load reads the TOML configuration at path, applies it over the built-in
// defaults, then applies the overrides document (typically sourced from a
// command-line flag) over the result.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	// Seed dsn.enabled with the current value, so that a layer that leaves
	// it out keeps it and an explicit "false" is told apart from "unset".
	var fromFile Config
	fromFile.DSN.Enabled = c.DSN.Enabled
	if err := toml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if overrides != "" {
		var fromOverrides Config
		fromOverrides.DSN.Enabled = c.DSN.Enabled
		if err := toml.Unmarshal([]byte(overrides), &fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		override(&c, &fromOverrides)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if c.DSN.Enabled && c.DSN.Postmaster == "" {
		return nil, fmt.Errorf("dsn.postmaster must be set when dsn.enabled is true")
	}

	return &c, nil
}

// override copies every non-zero field of o onto c. We don't use a generic
// deep-merge since the semantics we want (empty string/zero int means
// "unset", not "set to zero") don't hold for every field uniformly.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}

	if o.Receiver.BindAddress != "" {
		c.Receiver.BindAddress = o.Receiver.BindAddress
	}
	if o.Receiver.Banner != "" {
		c.Receiver.Banner = o.Receiver.Banner
	}
	if o.Receiver.MaxMessageSize != 0 {
		c.Receiver.MaxMessageSize = o.Receiver.MaxMessageSize
	}
	if o.Receiver.Timeouts != (Timeouts{}) {
		c.Receiver.Timeouts = o.Receiver.Timeouts
	}
	if o.Receiver.TLS != (TLS{}) {
		c.Receiver.TLS = o.Receiver.TLS
	}

	if o.Delivery.ScanIntervalSecs != 0 {
		c.Delivery.ScanIntervalSecs = o.Delivery.ScanIntervalSecs
	}
	if o.Delivery.ProcessIntervalSecs != 0 {
		c.Delivery.ProcessIntervalSecs = o.Delivery.ProcessIntervalSecs
	}
	if o.Delivery.MaxAttempts != 0 {
		c.Delivery.MaxAttempts = o.Delivery.MaxAttempts
	}
	if o.Delivery.BaseRetryDelaySecs != 0 {
		c.Delivery.BaseRetryDelaySecs = o.Delivery.BaseRetryDelaySecs
	}
	if o.Delivery.MaxRetryDelaySecs != 0 {
		c.Delivery.MaxRetryDelaySecs = o.Delivery.MaxRetryDelaySecs
	}
	if o.Delivery.RetryJitterFactor != 0 {
		c.Delivery.RetryJitterFactor = o.Delivery.RetryJitterFactor
	}
	if o.Delivery.MessageExpirationSecs != 0 {
		c.Delivery.MessageExpirationSecs = o.Delivery.MessageExpirationSecs
	}
	if o.Delivery.AcceptInvalidCerts {
		c.Delivery.AcceptInvalidCerts = true
	}

	if o.DNS.TimeoutSecs != 0 {
		c.DNS.TimeoutSecs = o.DNS.TimeoutSecs
	}
	if o.DNS.CacheTTLSecs != 0 {
		c.DNS.CacheTTLSecs = o.DNS.CacheTTLSecs
	}
	if o.DNS.MinCacheTTLSecs != 0 {
		c.DNS.MinCacheTTLSecs = o.DNS.MinCacheTTLSecs
	}
	if o.DNS.MaxCacheTTLSecs != 0 {
		c.DNS.MaxCacheTTLSecs = o.DNS.MaxCacheTTLSecs
	}
	if o.DNS.CacheSize != 0 {
		c.DNS.CacheSize = o.DNS.CacheSize
	}

	if len(o.Domains) > 0 {
		if c.Domains == nil {
			c.Domains = make(map[string]DomainOverride)
		}
		for k, v := range o.Domains {
			c.Domains[k] = v
		}
	}

	if o.RateLimit.MessagesPerSecond != 0 {
		c.RateLimit.MessagesPerSecond = o.RateLimit.MessagesPerSecond
	}
	if o.RateLimit.BurstSize != 0 {
		c.RateLimit.BurstSize = o.RateLimit.BurstSize
	}
	if len(o.RateLimit.Overrides) > 0 {
		c.RateLimit.Overrides = o.RateLimit.Overrides
	}

	if o.CircuitBreaker.FailureThreshold != 0 {
		c.CircuitBreaker.FailureThreshold = o.CircuitBreaker.FailureThreshold
	}
	if o.CircuitBreaker.FailureWindowSecs != 0 {
		c.CircuitBreaker.FailureWindowSecs = o.CircuitBreaker.FailureWindowSecs
	}
	if o.CircuitBreaker.TimeoutSecs != 0 {
		c.CircuitBreaker.TimeoutSecs = o.CircuitBreaker.TimeoutSecs
	}
	if o.CircuitBreaker.SuccessThreshold != 0 {
		c.CircuitBreaker.SuccessThreshold = o.CircuitBreaker.SuccessThreshold
	}
	if len(o.CircuitBreaker.Overrides) > 0 {
		c.CircuitBreaker.Overrides = o.CircuitBreaker.Overrides
	}

	if !o.DSN.Enabled && o.DSN.ReportingMTA == "" && o.DSN.Postmaster == "" {
		// Nothing set in this layer; leave c.DSN untouched.
	} else {
		if o.DSN.ReportingMTA != "" {
			c.DSN.ReportingMTA = o.DSN.ReportingMTA
		}
		if o.DSN.Postmaster != "" {
			c.DSN.Postmaster = o.DSN.Postmaster
		}
		c.DSN.Enabled = o.DSN.Enabled
	}

	if o.ClientTimeouts != (ClientTimeouts{}) {
		c.ClientTimeouts = o.ClientTimeouts
	}
}

// LogConfig logs the merged configuration in a human-friendly way at
// startup.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Receiver: bind=%q max_message_size=%d", c.Receiver.BindAddress, c.Receiver.MaxMessageSize)
	log.Infof("  Receiver TLS: cert=%q key=%q", c.Receiver.TLS.CertificatePath, c.Receiver.TLS.KeyPath)
	log.Infof("  Delivery: scan=%ds process=%ds max_attempts=%d base_retry=%ds max_retry=%ds",
		c.Delivery.ScanIntervalSecs, c.Delivery.ProcessIntervalSecs, c.Delivery.MaxAttempts,
		c.Delivery.BaseRetryDelaySecs, c.Delivery.MaxRetryDelaySecs)
	log.Infof("  DNS: timeout=%ds cache=[%d,%d]s size=%d",
		c.DNS.TimeoutSecs, c.DNS.MinCacheTTLSecs, c.DNS.MaxCacheTTLSecs, c.DNS.CacheSize)
	log.Infof("  Domain overrides: %d configured", len(c.Domains))
	log.Infof("  Rate limit: %.1f/s burst=%.1f", c.RateLimit.MessagesPerSecond, c.RateLimit.BurstSize)
	log.Infof("  Circuit breaker: threshold=%d window=%ds timeout=%ds",
		c.CircuitBreaker.FailureThreshold, c.CircuitBreaker.FailureWindowSecs, c.CircuitBreaker.TimeoutSecs)
	log.Infof("  DSN: enabled=%v reporting_mta=%q postmaster=%q", c.DSN.Enabled, c.DSN.ReportingMTA, c.DSN.Postmaster)
}

// ScanInterval returns Delivery.ScanIntervalSecs as a Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Delivery.ScanIntervalSecs) * time.Second
}

// ProcessInterval returns Delivery.ProcessIntervalSecs as a Duration.
func (c *Config) ProcessInterval() time.Duration {
	return time.Duration(c.Delivery.ProcessIntervalSecs) * time.Second
}
