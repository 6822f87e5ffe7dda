package cluster

// Watermark key layout: peer/{node} -> big-endian uint64 sequence.
var peerKeyPrefix = []byte("peer/")

func peerKey(node string) []byte {
	return append(append([]byte{}, peerKeyPrefix...), node...)
}
