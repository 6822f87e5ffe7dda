// Package realtimesvc orchestrates subscriptions and notification delivery.
// It ties the room registry and filter engine to per-connection delivery
// sinks, evaluates document events against registered rooms, and relays
// room lifecycle and notifications to cluster peers.
package realtimesvc
