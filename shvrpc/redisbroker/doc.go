// Package redisbroker implements shvrpc.Dialer on top of Redis so several
// gateway processes can share one device fleet without a native SHV broker.
//
// Design Notes
//   - Users: hash of bcrypt password hashes, checked on every Dial
//   - Mount points: set; a call is routed to the longest registered prefix
//   - Requests: one stream per mount point, consumed by a Device with XREAD
//   - Replies: per-request list, awaited with BLPOP and expired after ReplyTTL
//   - Signals: single pub/sub channel, filtered per subscriber by its RI
//   - Heartbeat: PING every ClientConfig.HeartbeatInterval; failure disconnects
//
// Trade-offs
//
//	Pros: multi-process, devices can live anywhere with Redis access
//	Cons: signals are fire-and-forget, a call to a dead device waits for CallTimeout
//
// Example:
//
//	b, _ := redisbroker.NewFromURL(u)
//	dev := b.NewDevice("test/device")
//	dev.Handle("value", "echo", echo)
//	_ = dev.Register(ctx)
//	go dev.Serve(ctx)
package redisbroker
