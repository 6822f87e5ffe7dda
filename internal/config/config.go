package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// NodeID identifies this node in cluster notifications. When empty, a
	// random id is assigned at startup.
	NodeID string `json:"nodeId" yaml:"nodeId"`
	// HTTPAddr is the client-facing API listen address.
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	// ClusterAddr is the peer-facing listen address for inter-node links.
	ClusterAddr string `json:"clusterAddr" yaml:"clusterAddr"`
	// ClusterPeers lists the websocket URLs of the other cluster nodes.
	ClusterPeers []string `json:"clusterPeers" yaml:"clusterPeers"`
	Realtime     Realtime `json:"realtime" yaml:"realtime"`
}

// Realtime captures tunables of the notification engine.
type Realtime struct {
	// EvalConcurrency bounds the number of rooms evaluated in parallel for
	// one event.
	EvalConcurrency int `json:"evalConcurrency" yaml:"evalConcurrency"`
	// OutboxBuffer is the queue capacity of the async cluster broadcast.
	OutboxBuffer int `json:"outboxBuffer" yaml:"outboxBuffer"`
	// SinkBuffer is the buffered notification capacity per connection sink.
	SinkBuffer int `json:"sinkBuffer" yaml:"sinkBuffer"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:    ":7310",
		ClusterAddr: ":7311",
		Realtime: Realtime{
			EvalConcurrency: 8,
			OutboxBuffer:    1024,
			SinkBuffer:      256,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// DefaultDataDir resolves where the node keeps its store when no data dir
// is given. $XDG_DATA_HOME wins, then the system /var/lib, then the
// platform directory under the user's home, then ~/.flare.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "flare")
	}
	if dirExists("/var/lib") {
		return "/var/lib/flare"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	candidates := []struct{ marker, dir string }{
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Flare")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Flare")},
	}
	for _, c := range candidates {
		if dirExists(c.marker) {
			return c.dir
		}
	}
	return filepath.Join(home, ".flare")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
