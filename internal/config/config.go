// Package config carries every tunable of the node. Values resolve in
// three layers: compiled defaults, an optional TOML file, then command
// line flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is time.Duration with TOML text encoding ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Node  NodeConfig  `toml:"node"`
	Net   NetConfig   `toml:"net"`
	Proto ProtoConfig `toml:"proto"`
	Files FilesConfig `toml:"files"`
}

// NodeConfig identifies the local user.
type NodeConfig struct {
	// Name is the plain user name; the full UserID is name@ip.
	Name   string `toml:"name"`
	Status string `toml:"status"`
	// IP overrides outbound-interface discovery when set.
	IP string `toml:"ip"`
	// Interface pins broadcast-address derivation to one interface.
	Interface string `toml:"interface"`
	Verbose   bool   `toml:"verbose"`
}

type NetConfig struct {
	Port     int    `toml:"port"`
	HTTPAddr string `toml:"http_addr"`
}

// ProtoConfig holds the protocol timing and sizing knobs. The defaults
// are the values every peer on the LAN is expected to run.
type ProtoConfig struct {
	ProfileInterval Duration   `toml:"profile_interval"`
	PingInterval    Duration   `toml:"ping_interval"`
	StaleThreshold  Duration   `toml:"stale_threshold"`
	EvictThreshold  Duration   `toml:"evict_threshold"`
	TokenTTL        Duration   `toml:"token_ttl"`
	RetrySchedule   []Duration `toml:"retry_schedule"`
	DedupeWindow    Duration   `toml:"dedupe_ttl"`
	DedupeCap       int        `toml:"dedupe_cap"`
	ChunkSize       int        `toml:"file_chunk_size"`
	FileWindow      int        `toml:"file_window"`
	OfferTimeout    Duration   `toml:"offer_timeout"`
	InviteTimeout   Duration   `toml:"invite_timeout"`
	PostTTL         Duration   `toml:"post_ttl"`
}

type FilesConfig struct {
	DownloadDir string `toml:"download_dir"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Status: "online",
		},
		Net: NetConfig{
			Port:     50999,
			HTTPAddr: "127.0.0.1:8472",
		},
		Proto: ProtoConfig{
			ProfileInterval: Duration(30 * time.Second),
			PingInterval:    Duration(10 * time.Second),
			StaleThreshold:  Duration(60 * time.Second),
			EvictThreshold:  Duration(300 * time.Second),
			TokenTTL:        Duration(3600 * time.Second),
			RetrySchedule:   []Duration{Duration(2 * time.Second), Duration(4 * time.Second), Duration(8 * time.Second)},
			DedupeWindow:    Duration(60 * time.Second),
			DedupeCap:       4096,
			ChunkSize:       1024,
			FileWindow:      8,
			OfferTimeout:    Duration(30 * time.Second),
			InviteTimeout:   Duration(30 * time.Second),
			PostTTL:         Duration(3600 * time.Second),
		},
		Files: FilesConfig{
			DownloadDir: "downloads",
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error so typos
// in a config file do not silently vanish.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %q", path, undec[0].String())
	}
	return cfg, nil
}

// Sanitize validates the resolved configuration.
func (c *Config) Sanitize() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if c.Net.Port <= 0 || c.Net.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Net.Port)
	}
	if c.Proto.ChunkSize <= 0 || c.Proto.ChunkSize > 60*1024 {
		return fmt.Errorf("file_chunk_size %d must fit a single datagram", c.Proto.ChunkSize)
	}
	if c.Proto.FileWindow <= 0 {
		return fmt.Errorf("file_window must be positive")
	}
	if c.Proto.DedupeCap <= 0 {
		return fmt.Errorf("dedupe_cap must be positive")
	}
	if len(c.Proto.RetrySchedule) == 0 {
		return fmt.Errorf("retry_schedule must not be empty")
	}
	for _, d := range []Duration{
		c.Proto.ProfileInterval, c.Proto.PingInterval, c.Proto.StaleThreshold,
		c.Proto.EvictThreshold, c.Proto.TokenTTL, c.Proto.DedupeWindow,
		c.Proto.OfferTimeout, c.Proto.InviteTimeout, c.Proto.PostTTL,
	} {
		if d.Std() <= 0 {
			return fmt.Errorf("all protocol intervals must be positive")
		}
	}
	return nil
}

// RetryDurations converts the retry schedule for the transport.
func (c *Config) RetryDurations() []time.Duration {
	out := make([]time.Duration, len(c.Proto.RetrySchedule))
	for i, d := range c.Proto.RetrySchedule {
		out[i] = d.Std()
	}
	return out
}

// Dump renders the configuration as TOML, the same shape Load reads.
func (c *Config) Dump() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return buf.String(), nil
}

// WriteFile dumps the configuration to path.
func (c *Config) WriteFile(path string) error {
	s, err := c.Dump()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(s), 0o644)
}
