// Package serverrun wires the runtime, realtime service, cluster
// dispatcher, and HTTP gateway into one running node.
package serverrun
