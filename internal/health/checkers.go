package health

import (
	"context"
	"errors"

	"github.com/jbang2004/waveshift/pkg/objectstore"
)

// Pinger is the probe surface of the database pool. *pgxpool.Pool satisfies
// it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] that pings the transcript database.
func Database(db Pinger) Checker {
	return Checker{
		Name:  "database",
		Check: db.Ping,
	}
}

// ObjectStore returns a [Checker] that heads probeKey in the blob store. A
// missing probe object still counts as healthy; only transport failures make
// the check fail.
func ObjectStore(s objectstore.Store, probeKey string) Checker {
	return Checker{
		Name: "object_store",
		Check: func(ctx context.Context) error {
			_, err := s.Head(ctx, probeKey)
			if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
				return err
			}
			return nil
		},
	}
}
