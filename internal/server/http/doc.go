// Package httpserver is the client-facing gateway: a JSON API routed
// through a controller registry, an SSE stream, and a websocket protocol
// that both carry notifications back to subscribed connections.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	svc := realtimesvc.New(rt)
//	s := httpserver.New(rt, svc, nil)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7310")
package httpserver
