// Package config loads the torrent core's YAML configuration, validating
// it with struct tags the way the rest of the corpus does.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// TrackerConfig configures the UDP tracker client.
type TrackerConfig struct {
	// LocalBind is the local UDP address the tracker socket binds to.
	LocalBind string `yaml:"local_bind" validate:"nonzero"`
	// QueryTimeout bounds a single connect/announce round trip before the
	// exponential backoff in tracker.Session kicks in.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// PeerConfig configures per-peer session behavior.
type PeerConfig struct {
	// MaxPendingRequests caps concurrent block reads served per peer.
	MaxPendingRequests int `yaml:"max_pending_requests" validate:"min=1"`
	// IdleTimeout is passed to each peer session's settings; sessions set
	// no read deadline from it, so a quiet peer connection is not closed
	// on account of it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig selects the tally reporter backend. An empty or "none"
// Backend disables reporting.
type MetricsConfig struct {
	Backend string `yaml:"backend"`
}

// Config is the torrent core's top-level configuration.
type Config struct {
	Tracker TrackerConfig `yaml:"tracker"`
	Peer    PeerConfig    `yaml:"peer"`
	Metrics MetricsConfig `yaml:"metrics"`

	// MaxPeers bounds how many peer sessions the orchestrator runs
	// concurrently for one torrent.
	MaxPeers int `yaml:"max_peers" validate:"min=1"`
	// PeerIDTag is the 8-byte client identifier prefixed to the random
	// peer id (see peerid.Generate). Must be exactly 8 bytes, e.g. "-CT0001-".
	PeerIDTag string `yaml:"peer_id_tag" validate:"nonzero"`
	// OutputDir is where the downloaded file is written.
	OutputDir string `yaml:"output_dir" validate:"nonzero"`
}

// Default returns the configuration this client ships with absent a
// config file, matching original_source/src/tracker.rs::SOCKET_BIND for
// the tracker bind address.
func Default() Config {
	return Config{
		Tracker: TrackerConfig{
			LocalBind:    "0.0.0.0:8080",
			QueryTimeout: 15 * time.Second,
		},
		Peer: PeerConfig{
			MaxPendingRequests: 10,
			IdleTimeout:        150 * time.Second,
		},
		Metrics:   MetricsConfig{Backend: "none"},
		MaxPeers:  50,
		PeerIDTag: "-CT0001-",
		OutputDir: ".",
	}
}

// Load reads and validates a YAML config file at path, starting from
// Default() so an absent field falls back to its default rather than its
// Go zero value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if len(cfg.PeerIDTag) != 8 {
		return Config{}, fmt.Errorf("validate config: peer_id_tag must be exactly 8 bytes, got %q", cfg.PeerIDTag)
	}
	return cfg, nil
}
