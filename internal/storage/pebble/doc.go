// Package pebblestore wraps Pebble with the durability policy and the small
// helper surface the room registry needs (point ops, batches, prefix scans).
package pebblestore
