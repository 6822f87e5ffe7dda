// Package client contains Cobra CLI commands for talking to a running
// flare node over its HTTP API.
package client
