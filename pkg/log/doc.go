// Package log provides Flare's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Entries are rendered by a pluggable
// Formatter (text or JSON lines) and written to a single writer.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("realtime"))
//	l.Info("node started", log.Str("node", "a1"))
package log
