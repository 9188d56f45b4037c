// Package config loads the TOML configuration of a dcom node.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/dcom/internal/engine"
	"github.com/1ureka/dcom/internal/gate"
	"github.com/1ureka/dcom/internal/protocol"
)

// GatePolicy is the per-pipe send policy.
type GatePolicy struct {
	Rate             float64
	Burst            int
	BlockOnLinkError time.Duration
}

// PipeConfig tunes one pipe.
type PipeConfig struct {
	ID                protocol.PipeID
	Protocol          uint8
	MTU               int
	MaxAttempts       int
	RetryTimeout      time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            bool
	ReassemblyTimeout time.Duration
	MaxMessageBytes   int
	MaxPending        int
	DedupTTL          time.Duration
	Gate              GatePolicy
}

// Config is a whole node.
type Config struct {
	LocalIA        uint32
	TickInterval   time.Duration
	MetricsAddr    string        // empty disables the /metrics listener
	ReportInterval time.Duration // 0 disables the periodic summary
	Pipes          []PipeConfig
}

// DefaultPipe returns the defaults for pipe id.
func DefaultPipe(id protocol.PipeID) PipeConfig {
	d := engine.DefaultConfig()
	return PipeConfig{
		ID:                id,
		Protocol:          d.Protocol,
		MTU:               d.MTU,
		MaxAttempts:       d.MaxAttempts,
		RetryTimeout:      d.RetryTimeout,
		BackoffMultiplier: d.Backoff.Multiplier,
		MaxBackoff:        d.Backoff.MaxDelay,
		Jitter:            d.Backoff.Jitter,
		ReassemblyTimeout: d.ReassemblyTimeout,
		MaxMessageBytes:   d.MaxMessageBytes,
		MaxPending:        d.MaxPending,
		DedupTTL:          d.DedupTTL,
	}
}

// Default returns a node with one pipe and all defaults.
func Default() Config {
	return Config{
		LocalIA:        1,
		TickInterval:   engine.DefaultConfig().TickInterval,
		ReportInterval: 10 * time.Second,
		Pipes:          []PipeConfig{DefaultPipe(0)},
	}
}

// ---------------------------------------------------------------------------
// File format
// ---------------------------------------------------------------------------

type fileGate struct {
	Rate             *float64 `toml:"rate"`
	Burst            *int     `toml:"burst"`
	BlockOnLinkError string   `toml:"block_on_link_error"`
}

type filePipe struct {
	ID                *int     `toml:"id"`
	Protocol          *int     `toml:"protocol"`
	MTU               *int     `toml:"mtu"`
	MaxAttempts       *int     `toml:"max_attempts"`
	RetryTimeout      string   `toml:"retry_timeout"`
	BackoffMultiplier *float64 `toml:"backoff_multiplier"`
	MaxBackoff        string   `toml:"max_backoff"`
	Jitter            *bool    `toml:"jitter"`
	ReassemblyTimeout string   `toml:"reassembly_timeout"`
	MaxMessageBytes   *int     `toml:"max_message_bytes"`
	MaxPending        *int     `toml:"max_pending"`
	DedupTTL          string   `toml:"dedup_ttl"`
	Gate              fileGate `toml:"gate"`
}

type fileConfig struct {
	LocalIA        *int64     `toml:"local_ia"`
	TickInterval   string     `toml:"tick_interval"`
	MetricsAddr    string     `toml:"metrics_addr"`
	ReportInterval string     `toml:"report_interval"`
	Pipes          []filePipe `toml:"pipes"`
}

var ErrInvalid = errors.New("config: invalid")

// Load reads path, applies defaults to everything it leaves out, and
// validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	if _, err := toml.Decode(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw)
}

func fromFile(raw fileConfig) (Config, error) {
	cfg := Default()

	if raw.LocalIA != nil {
		if *raw.LocalIA < 0 || *raw.LocalIA > 0xFFFFFFFF {
			return Config{}, fmt.Errorf("%w: local_ia %d out of range", ErrInvalid, *raw.LocalIA)
		}
		cfg.LocalIA = uint32(*raw.LocalIA)
	}
	if err := parseDuration("tick_interval", raw.TickInterval, &cfg.TickInterval); err != nil {
		return Config{}, err
	}
	if err := parseDuration("report_interval", raw.ReportInterval, &cfg.ReportInterval); err != nil {
		return Config{}, err
	}
	cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)

	if len(raw.Pipes) > 0 {
		cfg.Pipes = cfg.Pipes[:0]
		for i, fp := range raw.Pipes {
			p, err := pipeFromFile(i, fp)
			if err != nil {
				return Config{}, err
			}
			cfg.Pipes = append(cfg.Pipes, p)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func pipeFromFile(i int, fp filePipe) (PipeConfig, error) {
	id := i
	if fp.ID != nil {
		id = *fp.ID
	}
	if id < 0 || id > 0xFF {
		return PipeConfig{}, fmt.Errorf("%w: pipes[%d].id %d out of range", ErrInvalid, i, id)
	}
	p := DefaultPipe(protocol.PipeID(id))
	name := func(key string) string { return fmt.Sprintf("pipes[%d].%s", i, key) }

	if fp.Protocol != nil {
		if *fp.Protocol < 0 || *fp.Protocol > 0xFF {
			return PipeConfig{}, fmt.Errorf("%w: %s out of range", ErrInvalid, name("protocol"))
		}
		p.Protocol = uint8(*fp.Protocol)
	}
	setInt(fp.MTU, &p.MTU)
	setInt(fp.MaxAttempts, &p.MaxAttempts)
	setInt(fp.MaxMessageBytes, &p.MaxMessageBytes)
	setInt(fp.MaxPending, &p.MaxPending)
	if fp.BackoffMultiplier != nil {
		p.BackoffMultiplier = *fp.BackoffMultiplier
	}
	if fp.Jitter != nil {
		p.Jitter = *fp.Jitter
	}
	if fp.Gate.Rate != nil {
		p.Gate.Rate = *fp.Gate.Rate
	}
	setInt(fp.Gate.Burst, &p.Gate.Burst)

	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"retry_timeout", fp.RetryTimeout, &p.RetryTimeout},
		{"max_backoff", fp.MaxBackoff, &p.MaxBackoff},
		{"reassembly_timeout", fp.ReassemblyTimeout, &p.ReassemblyTimeout},
		{"dedup_ttl", fp.DedupTTL, &p.DedupTTL},
		{"gate.block_on_link_error", fp.Gate.BlockOnLinkError, &p.Gate.BlockOnLinkError},
	} {
		if err := parseDuration(name(d.key), d.val, d.dst); err != nil {
			return PipeConfig{}, err
		}
	}
	return p, nil
}

func setInt(src *int, dst *int) {
	if src != nil {
		*dst = *src
	}
}

// parseDuration leaves dst alone when val is empty.
func parseDuration(key, val string, dst *time.Duration) error {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate checks every pipe and rejects duplicate pipe ids.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalid)
	}
	if len(c.Pipes) == 0 {
		return fmt.Errorf("%w: no pipes configured", ErrInvalid)
	}
	seen := make(map[protocol.PipeID]bool, len(c.Pipes))
	for _, p := range c.Pipes {
		if seen[p.ID] {
			return fmt.Errorf("%w: pipe %d configured twice", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
		if err := p.EngineConfig(c.LocalIA, c.TickInterval).Validate(); err != nil {
			return fmt.Errorf("%w: pipe %d: %w", ErrInvalid, p.ID, err)
		}
	}
	return nil
}

// Pipe returns the configuration of pipe id.
func (c Config) Pipe(id protocol.PipeID) (PipeConfig, bool) {
	for _, p := range c.Pipes {
		if p.ID == id {
			return p, true
		}
	}
	return PipeConfig{}, false
}

// EngineConfig converts p into the settings of the engine serving it.
func (p PipeConfig) EngineConfig(localIA uint32, tick time.Duration) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Pipe = p.ID
	cfg.Protocol = p.Protocol
	cfg.LocalIA = localIA
	cfg.MTU = p.MTU
	cfg.MaxAttempts = p.MaxAttempts
	cfg.RetryTimeout = p.RetryTimeout
	cfg.Backoff.InitialDelay = p.RetryTimeout
	cfg.Backoff.Multiplier = p.BackoffMultiplier
	cfg.Backoff.MaxDelay = p.MaxBackoff
	cfg.Backoff.Jitter = p.Jitter
	cfg.ReassemblyTimeout = p.ReassemblyTimeout
	cfg.MaxMessageBytes = p.MaxMessageBytes
	cfg.MaxPending = p.MaxPending
	cfg.DedupTTL = p.DedupTTL
	cfg.TickInterval = tick
	cfg.Gate = gate.Policy{
		Rate:             p.Gate.Rate,
		Burst:            p.Gate.Burst,
		BlockOnLinkError: p.Gate.BlockOnLinkError,
	}
	return cfg
}
