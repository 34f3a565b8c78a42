package conn

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ddp-host/ddpd/internal/alea"
	"github.com/ddp-host/ddpd/internal/store"
)

// Ctx is the explicit per-invocation context handed to method
// handlers. It carries the connection, the acting user, the open
// store transaction, the change recorder, and the namespaced PRNG
// seeded from the client's randomSeed so handler-generated ids match
// the client's optimistic stubs.
type Ctx struct {
	Context     context.Context
	Session     *Session
	UserID      any
	IsSuperuser bool
	Tx          pgx.Tx
	Rec         *store.Recorder
	Rand        *alea.Stream
}

// NewID draws a 17-character id from the namespaced PRNG stream. With
// a client-supplied randomSeed this is deterministic: the client's
// stub computed the same id.
func (c *Ctx) NewID(namespace string) string {
	return c.Rand.NewID(namespace)
}
