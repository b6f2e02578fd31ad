package ewexport

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the file form of the exporter settings.
type Config struct {
	Port              int
	Institution       int
	Module            int
	HeartbeatText     string
	HeartbeatInterval time.Duration
	AcceptTimeout     time.Duration
	WriteTimeout      time.Duration
	MaxTraceBufSize   int
	SequenceNumbers   bool
}

// DefaultConfig returns the settings used when a file leaves a key out.
func DefaultConfig() Config {
	return Config{
		HeartbeatText:     DefaultHeartbeatText,
		HeartbeatInterval: DefaultHeartbeatInterval,
		AcceptTimeout:     DefaultAcceptTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		MaxTraceBufSize:   DefaultMaxTraceBufSize,
	}
}

type fileConfig struct {
	Port              int    `toml:"port"`
	Institution       int    `toml:"institution"`
	Module            int    `toml:"module"`
	HeartbeatText     string `toml:"heartbeat_text"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	AcceptTimeout     string `toml:"accept_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	MaxTraceBufSize   int    `toml:"max_tracebuf_size"`
	SequenceNumbers   bool   `toml:"sequence_numbers"`
}

// LoadConfig reads a TOML file. Keys missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	return LoadConfigOver(path, DefaultConfig())
}

// LoadConfigOver reads a TOML file on top of base. Keys missing from the file
// keep their base values.
func LoadConfigOver(path string, base Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load exporter config")
	}
	return raw.apply(meta, base)
}

// ParseConfig decodes TOML text the same way LoadConfig does.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse exporter config")
	}
	return raw.apply(meta, DefaultConfig())
}

func (raw fileConfig) apply(meta toml.MetaData, cfg Config) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}

	if meta.IsDefined("institution") {
		cfg.Institution = raw.Institution
	}

	if meta.IsDefined("module") {
		cfg.Module = raw.Module
	}

	if meta.IsDefined("heartbeat_text") {
		cfg.HeartbeatText = raw.HeartbeatText
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"accept_timeout", raw.AcceptTimeout, &cfg.AcceptTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_tracebuf_size") {
		cfg.MaxTraceBufSize = raw.MaxTraceBufSize
	}

	if meta.IsDefined("sequence_numbers") {
		cfg.SequenceNumbers = raw.SequenceNumbers
	}

	return cfg, nil
}

// Options converts the configuration into exporter options.
func (c Config) Options() []Option {
	return []Option{
		InstitutionOption(c.Institution),
		ModuleOption(c.Module),
		HeartbeatTextOption(c.HeartbeatText),
		HeartbeatIntervalOption(c.HeartbeatInterval),
		AcceptTimeoutOption(c.AcceptTimeout),
		WriteTimeoutOption(c.WriteTimeout),
		MaxTraceBufSizeOption(c.MaxTraceBufSize),
		SequenceNumbersOption(c.SequenceNumbers),
	}
}
