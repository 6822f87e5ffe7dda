package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays FLARE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FLARE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("FLARE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("FLARE_CLUSTER_ADDR"); v != "" {
		cfg.ClusterAddr = v
	}
	if v := os.Getenv("FLARE_CLUSTER_PEERS"); v != "" {
		parts := strings.Split(v, ",")
		cfg.ClusterPeers = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.ClusterPeers = append(cfg.ClusterPeers, p)
			}
		}
	}
	if v := os.Getenv("FLARE_EVAL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Realtime.EvalConcurrency = n
		}
	}
	if v := os.Getenv("FLARE_OUTBOX_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Realtime.OutboxBuffer = n
		}
	}
	if v := os.Getenv("FLARE_SINK_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Realtime.SinkBuffer = n
		}
	}
}
