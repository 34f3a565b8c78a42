package main

import (
	"fmt"

	"github.com/ddp-host/ddpd/internal/auth"
	"github.com/ddp-host/ddpd/internal/conn"
	"github.com/ddp-host/ddpd/internal/ddp"
	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/store"
)

// appSchema is the example application's own table. Real deployments
// replace this file wholesale: registerApp is the host-application
// side of the registration interface, not part of the core.
const appSchema = `
CREATE TABLE IF NOT EXISTS task (
    id         VARCHAR(17) PRIMARY KEY,
    title      TEXT NOT NULL,
    done       BOOLEAN NOT NULL DEFAULT FALSE,
    owner_id   VARCHAR(255),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// registerApp registers the example application: a task collection
// visible to its owner, a publication over it, and the login/logout
// and task methods.
func registerApp(reg *registry.Registry, tokens *auth.Validator, adminKey string) {
	reg.RegisterCollection(registry.Collection{
		Name:                  "task",
		Table:                 "task",
		Order:                 "created_at",
		UserRel:               []string{"owner_id"},
		AlwaysAllowSuperusers: true,
	})

	reg.RegisterPublication("tasks", func(userID any, params map[string]any) ([]registry.Query, error) {
		return []registry.Query{{Collection: "task"}}, nil
	})

	reg.RegisterMethod("login", func(rawCtx any, params []any) (any, error) {
		c := rawCtx.(*conn.Ctx)
		token, ok := stringParam(params, 0)
		if !ok {
			return nil, ddp.BadRequest("login takes a token string")
		}

		// The admin key acts as the bootstrap superuser credential.
		if token == adminKey {
			if err := c.Session.SetUser(c.Context, "admin", true); err != nil {
				return nil, err
			}
			return map[string]any{"id": "admin"}, nil
		}

		id, err := tokens.ValidateAccessToken(token)
		if err != nil {
			return nil, ddp.Forbidden("invalid credentials")
		}
		if err := c.Session.SetUser(c.Context, id.UserID, id.Superuser); err != nil {
			return nil, err
		}
		return map[string]any{"id": id.UserID}, nil
	})

	reg.RegisterMethod("logout", func(rawCtx any, params []any) (any, error) {
		c := rawCtx.(*conn.Ctx)
		if err := c.Session.SetUser(c.Context, nil, false); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.RegisterMethod("task.insert", func(rawCtx any, params []any) (any, error) {
		c := rawCtx.(*conn.Ctx)
		if c.UserID == nil {
			return nil, ddp.Forbidden("login required")
		}
		title, ok := stringParam(params, 0)
		if !ok || title == "" {
			return nil, ddp.BadRequest("task.insert takes a title string")
		}

		// Drawing the id from the randomSeed stream reproduces the
		// client stub's optimistic id.
		id := c.NewID("/collection/task")
		if _, err := c.Tx.Exec(c.Context,
			`INSERT INTO task (id, title, owner_id) VALUES ($1, $2, $3)`,
			id, title, c.UserID,
		); err != nil {
			return nil, fmt.Errorf("task.insert: %w", err)
		}
		c.Rec.Record(store.Change{
			Collection: "task",
			PK:         id,
			Kind:       store.Added,
			Fields:     map[string]any{"title": title, "done": false, "owner_id": c.UserID},
		})
		return id, nil
	})

	reg.RegisterMethod("task.complete", func(rawCtx any, params []any) (any, error) {
		c := rawCtx.(*conn.Ctx)
		if c.UserID == nil {
			return nil, ddp.Forbidden("login required")
		}
		id, ok := stringParam(params, 0)
		if !ok {
			return nil, ddp.BadRequest("task.complete takes a task id")
		}

		var title string
		var ownerID any
		err := c.Tx.QueryRow(c.Context,
			`UPDATE task SET done = TRUE WHERE id = $1 AND owner_id = $2 RETURNING title, owner_id`,
			id, c.UserID,
		).Scan(&title, &ownerID)
		if err != nil {
			return nil, ddp.NotFound(fmt.Sprintf("no task %q", id))
		}
		c.Rec.Record(store.Change{
			Collection: "task",
			PK:         id,
			Kind:       store.Changed,
			Fields:     map[string]any{"title": title, "done": true, "owner_id": ownerID},
		})
		return true, nil
	})

	reg.RegisterMethod("task.remove", func(rawCtx any, params []any) (any, error) {
		c := rawCtx.(*conn.Ctx)
		if c.UserID == nil {
			return nil, ddp.Forbidden("login required")
		}
		id, ok := stringParam(params, 0)
		if !ok {
			return nil, ddp.BadRequest("task.remove takes a task id")
		}

		tag, err := c.Tx.Exec(c.Context,
			`DELETE FROM task WHERE id = $1 AND owner_id = $2`, id, c.UserID)
		if err != nil {
			return nil, fmt.Errorf("task.remove: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ddp.NotFound(fmt.Sprintf("no task %q", id))
		}
		c.Rec.Record(store.Change{Collection: "task", PK: id, Kind: store.Removed})
		return true, nil
	})
}

func stringParam(params []any, i int) (string, bool) {
	if len(params) <= i {
		return "", false
	}
	s, ok := params[i].(string)
	return s, ok
}
