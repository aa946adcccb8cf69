// Package memorybroker provides an in-process shvrpc.Dialer backed by a
// broker living in the same process. It is intended for tests and local
// development; nothing leaves the process and all state is lost on exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Signal delivery   : best-effort, slow subscribers drop frames
//	Concurrency       : safe (RWMutex + per-client locks)
//
// Example:
//
//	b := memorybroker.New(memorybroker.WithUser("admin", "admin"))
//	b.Mount("test/device/value", map[string]shvrpc.MethodHandler{
//		"echo": func(ctx context.Context, p shvrpc.Value) (shvrpc.Value, error) { return p, nil },
//	})
//	// hand b to sessions.New as the Dialer
package memorybroker
