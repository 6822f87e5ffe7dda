// Package notify defines the notification envelopes and their JSON wire
// contract: document scope transitions, user join/leave, server events, and
// debugger pass-through.
package notify
