// Package objectmap implements the ObjectMapping entity: a persistent bijection between (collection, store primary
// key) and an opaque 17-character client id, fronted by a bounded
// in-memory cache so that hot collections don't round-trip to
// PostgreSQL on every change-router pass.
package objectmap

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ddp-host/ddpd/internal/alea"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// Mapper methods run either as standalone queries or inside a caller's
// transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const aleaIDLength = 17

// IsAleaCompatible reports whether pk already looks like a generated
// opaque id — 17 characters, every one drawn from the unmistakable
// alphabet — in which case mapping is bypassed and pk is used directly
// as the client id.
func IsAleaCompatible(pk string) bool {
	if len(pk) != aleaIDLength {
		return false
	}
	for _, r := range pk {
		found := false
		for _, a := range alea.Unmistakable {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Mapper is the ObjectMapping persistence layer: a cache in front of
// the object_mapping table.
type Mapper struct {
	db    Querier
	fwd   *lru.Cache[string, string] // "collection\x00pk" -> opaque id
	rev   *lru.Cache[string, string] // "collection\x00id" -> pk
	newID func(namespace string) string
}

// cacheSize bounds the in-memory front cache; the persistent table
// underneath has no size limit.
const cacheSize = 8192

// New builds a Mapper backed by db, drawing fresh ids from idStream
// when a (collection, pk) pair hasn't been seen before.
func New(db Querier, idStream *alea.Stream) *Mapper {
	fwd, _ := lru.New[string, string](cacheSize)
	rev, _ := lru.New[string, string](cacheSize)
	return &Mapper{db: db, fwd: fwd, rev: rev, newID: idStream.NewID}
}

func fwdKey(collection, pk string) string { return collection + "\x00" + pk }
func revKey(collection, id string) string { return collection + "\x00" + id }

// MeteorID returns the opaque client id for (collection, pk), creating
// and persisting a new mapping row on first observation.
func (m *Mapper) MeteorID(ctx context.Context, collection, pk string) (string, error) {
	if IsAleaCompatible(pk) {
		return pk, nil
	}

	if id, ok := m.fwd.Get(fwdKey(collection, pk)); ok {
		return id, nil
	}

	var id string
	err := m.db.QueryRow(ctx,
		`SELECT opaque_id FROM object_mapping WHERE collection = $1 AND pk = $2`,
		collection, pk,
	).Scan(&id)
	if err == nil {
		m.cache(collection, pk, id)
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("objectmap: lookup %s/%s: %w", collection, pk, err)
	}

	id = m.newID(collection)
	_, err = m.db.Exec(ctx,
		`INSERT INTO object_mapping (collection, pk, opaque_id) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, pk) DO UPDATE SET pk = EXCLUDED.pk
		 RETURNING opaque_id`,
		collection, pk, id,
	)
	if err != nil {
		return "", fmt.Errorf("objectmap: insert %s/%s: %w", collection, pk, err)
	}

	// A concurrent insert may have won the race; re-read to get the
	// row that actually persisted rather than trusting our own id.
	err = m.db.QueryRow(ctx,
		`SELECT opaque_id FROM object_mapping WHERE collection = $1 AND pk = $2`,
		collection, pk,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("objectmap: read back %s/%s: %w", collection, pk, err)
	}

	m.cache(collection, pk, id)
	return id, nil
}

// PK returns the store primary key for (collection, id), the inverse
// of MeteorID.
func (m *Mapper) PK(ctx context.Context, collection, id string) (string, error) {
	if pk, ok := m.rev.Get(revKey(collection, id)); ok {
		return pk, nil
	}

	var pk string
	err := m.db.QueryRow(ctx,
		`SELECT pk FROM object_mapping WHERE collection = $1 AND opaque_id = $2`,
		collection, id,
	).Scan(&pk)
	if err == pgx.ErrNoRows {
		if IsAleaCompatible(id) {
			return id, nil
		}
		return "", fmt.Errorf("objectmap: no mapping for %s/%s", collection, id)
	}
	if err != nil {
		return "", fmt.Errorf("objectmap: reverse lookup %s/%s: %w", collection, id, err)
	}

	m.cache(collection, pk, id)
	return pk, nil
}

func (m *Mapper) cache(collection, pk, id string) {
	m.fwd.Add(fwdKey(collection, pk), id)
	m.rev.Add(revKey(collection, id), pk)
}
