package sched

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	yaml "github.com/goccy/go-yaml"

	"irqsched/internal/hw"
)

// Config mirrors config.yml
type Config struct {
	TickHz      uint64   `yaml:"tick_hz"`      // 100 (by default)
	CounterBits uint     `yaml:"counter_bits"` // 24 (by default)
	PrioBits    uint8    `yaml:"prio_bits"`    // 3 (by default)
	Dispatchers []string `yaml:"dispatchers"`  // [SSI0, UART0] (by default), lowest priority first
	MaxTicks    uint64   `yaml:"max_ticks"`    // 0 = no limit
	TraceCSV    string   `yaml:"trace_csv"`    // empty = no CSV trace
	LogLevel    string   `yaml:"log_level"`    // info (by default)
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	board := hw.DefaultBoardConfig()
	return Config{
		TickHz:      100,
		CounterBits: board.CounterBits,
		PrioBits:    board.PrioBits,
		Dispatchers: board.Lines,
		MaxTicks:    0,
		LogLevel:    "info",
	}
}

// Load reads YAML and overrides defaults; empty path or a missing file = defaults only.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultConfig(), fmt.Errorf("parse %s: %w", path, err)
	}

	// sanity clamps
	if cfg.TickHz == 0 {
		cfg.TickHz = 100
	}
	if cfg.CounterBits < 8 {
		cfg.CounterBits = 8
	} else if cfg.CounterBits > 32 {
		cfg.CounterBits = 32
	}
	if cfg.PrioBits < 1 {
		cfg.PrioBits = 1
	} else if cfg.PrioBits > 8 {
		cfg.PrioBits = 8
	}
	if len(cfg.Dispatchers) == 0 {
		cfg.Dispatchers = defaultConfig().Dispatchers
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// Board returns the simulated chip this config describes.
func (c Config) Board() hw.BoardConfig {
	return hw.BoardConfig{
		PrioBits:    c.PrioBits,
		CounterBits: c.CounterBits,
		Lines:       append([]string(nil), c.Dispatchers...),
	}
}

// Millis converts milliseconds to ticks, rounding up so a delay is never shorter than asked.
func (c Config) Millis(ms uint64) Duration {
	return Duration((ms*c.TickHz + 999) / 1000)
}

// Micros converts microseconds to ticks, rounding up.
func (c Config) Micros(us uint64) Duration {
	return Duration((us*c.TickHz + 999_999) / 1_000_000)
}
