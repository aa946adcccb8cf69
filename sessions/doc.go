// Package sessions maps gateway session tokens to backend connections.
//
// A Manager admits logins: it dials the broker with the user's credentials,
// waits for the connection to be accepted, enforces the per-user session cap
// and stores a Record under a fresh random token. Each stored session is
// owned by an actor goroutine which
//
//   - ends the backend connection after SessionTimeout without activity,
//   - suspends that timeout while subscriptions are open,
//   - removes the record once the backend connection is gone.
//
// Requests reach the actor only through its inbox; posting never blocks.
// The actor is the only writer that removes its record, so a token stays
// valid exactly as long as its backend connection.
//
// Example:
//
//	mgr, _ := sessions.NewManager(dialer, sessions.ManagerConfig{BrokerURL: u})
//	defer mgr.Close()
//	id, err := mgr.Login(ctx, "admin", "admin")
//	sess, _ := mgr.Lookup(id)
//	res, err := sess.Call(ctx, ".broker", "ls", nil)
package sessions
