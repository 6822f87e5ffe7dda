// Package rooms implements the room registry and the per-room scope
// tracker. A room is one registered subscription filter for an
// index+collection pair; subscribers are arena records referenced by
// integer handles with room and connection secondary indexes. Each room
// tracks which document ids currently match its filter so that incoming
// writes produce enter/leave transitions instead of naive re-evaluation.
package rooms
