// Package runtime wires storage, configuration, and node identity for one
// Flare instance.
package runtime
