package router

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ddp-host/ddpd/internal/ddp"
	"github.com/ddp-host/ddpd/internal/ejson"
	"github.com/ddp-host/ddpd/internal/notifybus"
	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/store"
)

// Store is the subset of the store adapter the router needs: testing
// whether a mutated row still matches a subscription's query, and
// issuing NOTIFY inside the writing transaction. Declared as an interface so
// the router can be driven by a fake in tests instead of pgx.
type Store interface {
	MatchesQuery(ctx context.Context, tx pgx.Tx, col *registry.Collection, q registry.Query, pk string) (bool, error)
	NotifyTx(ctx context.Context, tx pgx.Tx, channel, payload string) error
}

// ObjectMapper is the subset of objectmap.Mapper the router needs.
type ObjectMapper interface {
	MeteorID(ctx context.Context, collection, pk string) (string, error)
}

// Envelope is the routing header attached to a change before it's
// chunked onto the NOTIFY bus: which connections should
// receive it, and — for a change originating from a method call on one
// of those connections — the sequence number that connection's TX
// buffer must use so the RPC result frame is guaranteed to precede
// this broadcast copy.
type Envelope struct {
	ConnectionIDs []string       `json:"connection_ids"`
	Sender        string         `json:"sender,omitempty"`
	TxSeq         *uint64        `json:"tx_seq,omitempty"`
	Frame         ddp.ObjChange  `json:"frame"`
}

// Router decides who sees each committed mutation.
type Router struct {
	reg     *registry.Registry
	store   Store
	objmap  ObjectMapper
	channel string

	Seen *SeenIndex
	Subs *SubIndex
}

// New builds a Router over the given registry, store, and object
// mapper, publishing envelopes on channel.
func New(reg *registry.Registry, st Store, objmap ObjectMapper, channel string) *Router {
	return &Router{
		reg:     reg,
		store:   st,
		objmap:  objmap,
		channel: channel,
		Seen:    NewSeenIndex(),
		Subs:    NewSubIndex(),
	}
}

// Route is the store's ChangeHook: given one committed mutation, it
// computes P (pre-subscribers, from Seen) and Q (post-subscribers, by
// testing live candidates against the new row state), emits `changed`
// to P∩Q, `removed` to P\Q, `added` to Q\P, publishes the resulting
// envelopes via the NOTIFY bus, and updates Seen to match Q.
func (r *Router) Route(ctx context.Context, tx pgx.Tx, change store.Change) error {
	if registry.IsReserved(change.Collection) {
		return nil
	}
	col, ok := r.reg.Collection(change.Collection)
	if !ok {
		return nil
	}

	// Always mint/confirm the opaque id, even if nobody ends up
	// subscribed to this write, so a later subscription sees a stable
	// id instead of minting one under load.
	clientID, err := r.objmap.MeteorID(ctx, change.Collection, change.PK)
	if err != nil {
		return fmt.Errorf("router: object id for %s/%s: %w", change.Collection, change.PK, err)
	}

	p := r.Seen.Subscribers(change.Collection, clientID)

	var q map[string]struct{}
	if change.Kind != store.Removed {
		q = make(map[string]struct{})
		for _, e := range r.Subs.Candidates(change.Collection) {
			match, err := r.matches(ctx, tx, col, e, change)
			if err != nil {
				return err
			}
			if match {
				q[e.ConnID] = struct{}{}
			}
		}
	}

	var added, removed, kept []string
	for c := range q {
		if _, ok := p[c]; ok {
			kept = append(kept, c)
		} else {
			added = append(added, c)
		}
	}
	for c := range p {
		if _, ok := q[c]; !ok {
			removed = append(removed, c)
		}
	}

	senderNotified := false
	if len(added) > 0 {
		if err := r.publish(ctx, tx, added, change, ddp.MsgAdded, clientID); err != nil {
			return err
		}
		senderNotified = senderNotified || contains(added, change.Sender)
	}
	if len(kept) > 0 {
		if err := r.publish(ctx, tx, kept, change, ddp.MsgChanged, clientID); err != nil {
			return err
		}
		senderNotified = senderNotified || contains(kept, change.Sender)
	}
	if len(removed) > 0 {
		if err := r.publish(ctx, tx, removed, change, ddp.MsgRemoved, clientID); err != nil {
			return err
		}
		senderNotified = senderNotified || contains(removed, change.Sender)
	}

	// The originating connection reserved a TX sequence for this change
	// before commit. If no envelope above reaches it, publish an empty
	// one so its hub releases the sequence instead of stalling the
	// buffer.
	if change.Sender != "" && change.TxSeq != nil && !senderNotified {
		kind := ddp.MsgChanged
		if change.Kind == store.Removed {
			kind = ddp.MsgRemoved
		}
		if err := r.publish(ctx, tx, nil, change, kind, clientID); err != nil {
			return err
		}
	}

	for _, c := range added {
		r.Seen.Mark(change.Collection, clientID, c)
	}
	for _, c := range removed {
		r.Seen.Unmark(change.Collection, clientID, c)
	}
	return nil
}

func contains(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}

// matches tests whether candidate subscription e still sees the
// mutated row: its query must match the new row (checked against the
// live table, which already reflects the write within this
// transaction) and, if the collection declares user_rel, the acting
// user of e must appear among the row's allowed users.
func (r *Router) matches(ctx context.Context, tx pgx.Tx, col *registry.Collection, e SubEntry, change store.Change) (bool, error) {
	ok, err := r.store.MatchesQuery(ctx, tx, col, e.Query, change.PK)
	if err != nil || !ok {
		return false, err
	}
	if len(col.UserRel) == 0 || (e.IsSuperuser && col.AlwaysAllowSuperusers) {
		return true, nil
	}
	for _, uid := range store.UserIDsForFields(col, change.Fields) {
		if uid == fmt.Sprint(e.UserID) {
			return true, nil
		}
	}
	return false, nil
}

// publish builds one ObjChange frame, wraps it in a routing envelope,
// serializes and chunks it, and NOTIFYs each chunk within tx so
// delivery only becomes visible to listeners once the write commits.
func (r *Router) publish(ctx context.Context, tx pgx.Tx, connIDs []string, change store.Change, kind ddp.Msg, clientID string) error {
	frame := ddp.ObjChange{
		Msg:        kind,
		Collection: change.Collection,
		ID:         clientID,
	}
	if kind != ddp.MsgRemoved {
		frame.Fields = change.Fields
	}

	env := Envelope{
		ConnectionIDs: connIDs,
		Frame:         frame,
	}
	// One mutation can fan out as several recipient groups (changed to
	// one sub's audience, removed from another's). The reserved TX
	// sequence belongs to exactly one of them — the group the sender is
	// in, or the recipient-less release envelope. Stamping it onto the
	// other groups would let their hubs Skip a sequence the sender's own
	// frame is about to use.
	if change.Sender != "" && (connIDs == nil || contains(connIDs, change.Sender)) {
		env.Sender = change.Sender
		env.TxSeq = change.TxSeq
	}

	payload, err := ejson.Marshal(env)
	if err != nil {
		return fmt.Errorf("router: encode envelope: %w", err)
	}

	chunks, err := notifybus.Split(payload)
	if err != nil {
		return fmt.Errorf("router: split payload: %w", err)
	}
	for _, chunk := range chunks {
		if err := r.store.NotifyTx(ctx, tx, r.channel, chunk); err != nil {
			return fmt.Errorf("router: notify: %w", err)
		}
	}
	return nil
}
