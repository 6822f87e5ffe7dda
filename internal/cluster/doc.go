// Package cluster fans room lifecycle changes and built notifications out
// to peer nodes. Every message carries the origin node id and a per-node
// monotonically increasing sequence number; receivers keep a high watermark
// per peer so an at-least-once transport yields exactly-once apply.
package cluster
