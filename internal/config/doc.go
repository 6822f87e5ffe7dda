// Package config provides loading and environment overlay for Flare runtime
// configuration. Files may be JSON or YAML; FLARE_* environment variables
// override file values.
package config
