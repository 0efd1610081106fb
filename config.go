// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Duration is a time.Duration read from a TOML string such as "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the TOML configuration of a Pool.
type Config struct {
	Connection  ConnectionConfig
	Constraints ConstraintsConfig
	Cache       CacheFileConfig
	Logging     LogConfig
	Metrics     MetricsConfig
}

// ConnectionConfig describes the [connection] block.
type ConnectionConfig struct {
	Servers     []string
	BindDN      string   `toml:"bind-dn"`
	Password    string
	DialTimeout Duration `toml:"dial-timeout"`
	TLSInsecure bool     `toml:"tls-insecure"`
}

// ConstraintsConfig describes the [constraints] block. Unset values
// keep their defaults.
type ConstraintsConfig struct {
	TimeLimit       Duration `toml:"time-limit"`
	SizeLimit       int      `toml:"size-limit"`
	FollowReferrals *bool    `toml:"follow-referrals"`
	HopLimit        *int     `toml:"hop-limit"`
	BatchSize       *int     `toml:"batch-size"`
	MaxBacklog      *int     `toml:"max-backlog"`
	ReadTimeout     Duration `toml:"read-timeout"`
}

// CacheFileConfig describes the [cache] block. A zero max-bytes
// disables the cache.
type CacheFileConfig struct {
	TTL      Duration `toml:"ttl"`
	MaxBytes int      `toml:"max-bytes"`
	BaseDNs  []string `toml:"base-dns"`
}

// MetricsConfig describes the [metrics] block.
type MetricsConfig struct {
	Enabled bool
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(filename string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, errors.Wrap(err, filename)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, filename)
	}
	return &c, nil
}

// ParseConfig parses and validates a TOML configuration.
func ParseConfig(data string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports all problems found in the configuration.
func (c *Config) Validate() (errs error) {
	if len(c.Connection.Servers) == 0 {
		errs = multierror.Append(errs, &ParameterError{"connection.servers", "empty server list"})
	}
	for _, srv := range c.Connection.Servers {
		if _, err := ParseEndpoint(srv); err != nil {
			errs = multierror.Append(errs, &ParameterError{"connection.servers", err.Error()})
		}
	}
	if c.Connection.BindDN == "" && c.Connection.Password != "" {
		errs = multierror.Append(errs, &ParameterError{"connection.password", "set without bind-dn"})
	}
	negative := func(param string, v int) {
		if v < 0 {
			errs = multierror.Append(errs, &ParameterError{param, "must not be negative"})
		}
	}
	cc := c.Constraints
	negative("constraints.size-limit", cc.SizeLimit)
	if cc.HopLimit != nil {
		negative("constraints.hop-limit", *cc.HopLimit)
	}
	if cc.BatchSize != nil {
		negative("constraints.batch-size", *cc.BatchSize)
	}
	if cc.MaxBacklog != nil {
		negative("constraints.max-backlog", *cc.MaxBacklog)
	}
	negative("cache.max-bytes", c.Cache.MaxBytes)
	if c.Cache.TTL.Duration < 0 {
		errs = multierror.Append(errs, &ParameterError{"cache.ttl", "must not be negative"})
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = multierror.Append(errs, &ParameterError{"logging.format", "want text or json"})
	}
	return
}

// SessionConstraints returns the default Constraints with the configured
// values applied.
func (c *Config) SessionConstraints() Constraints {
	cons := DefaultConstraints()
	cc := c.Constraints
	cons.TimeLimit = cc.TimeLimit.Duration
	cons.SizeLimit = cc.SizeLimit
	cons.ReadTimeout = cc.ReadTimeout.Duration
	if cc.FollowReferrals != nil {
		cons.FollowReferrals = *cc.FollowReferrals
	}
	if cc.HopLimit != nil {
		cons.HopLimit = *cc.HopLimit
	}
	if cc.BatchSize != nil {
		cons.BatchSize = *cc.BatchSize
	}
	if cc.MaxBacklog != nil {
		cons.MaxBacklog = *cc.MaxBacklog
	}
	if c.Connection.BindDN != "" {
		cons.Rebind = func(string, int) (string, string, error) {
			return c.Connection.BindDN, c.Connection.Password, nil
		}
	}
	return cons
}

// CacheConfig returns the result cache settings, or nil if caching is disabled.
func (c *Config) CacheConfig() *CacheConfig {
	if c.Cache.MaxBytes == 0 {
		return nil
	}
	return &CacheConfig{
		TTL:      c.Cache.TTL.Duration,
		MaxBytes: c.Cache.MaxBytes,
		BaseDNs:  c.Cache.BaseDNs,
	}
}

// NewPoolFromConfig configures logging and returns a Pool set up from c.
// If metrics are enabled they are registered on registerer.
func NewPoolFromConfig(c *Config, registerer prometheus.Registerer) (*Pool, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ConfigureLogging(c.Logging); err != nil {
		return nil, err
	}
	timeout := c.Connection.DialTimeout.Duration
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	dialer := &NetDialer{Timeout: timeout}
	if c.Connection.TLSInsecure {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	opts := []PoolOption{
		WithDialer(dialer),
		WithConstraints(c.SessionConstraints()),
	}
	if cc := c.CacheConfig(); cc != nil {
		opts = append(opts, WithCache(NewCache(*cc)))
	}
	if c.Metrics.Enabled {
		opts = append(opts, WithMetrics(NewMetrics(registerer)))
	}
	return NewPool(opts...), nil
}

// Dial returns a Session to the configured servers, bound as the
// configured identity if one is given.
func (c *Config) Dial(p *Pool) (*Session, error) {
	return c.DialContext(context.Background(), p)
}

// DialContext is Dial with a context.
func (c *Config) DialContext(ctx context.Context, p *Pool) (*Session, error) {
	s, err := p.Connect(ctx, c.Connection.Servers...)
	if err != nil {
		return nil, err
	}
	if c.Connection.BindDN != "" {
		if err = s.Bind(ctx, c.Connection.BindDN, c.Connection.Password); err != nil {
			_ = s.Disconnect()
			return nil, err
		}
	}
	return s, nil
}
