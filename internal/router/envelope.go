package router

import (
	"fmt"

	"github.com/ddp-host/ddpd/internal/ddp"
	"github.com/ddp-host/ddpd/internal/ejson"
)

// ParseEnvelope decodes a reassembled NOTIFY payload back into the
// routing envelope published by Router.publish. Decoding goes through
// the EJSON codec so tagged values ($date, $binary) inside the record
// fields come back as their native Go types, exactly as they went in.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	doc, err := ejson.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("router: decode envelope: %w", err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("router: envelope is not an object")
	}

	env := &Envelope{}

	// connection_ids may be null on a sequence-release envelope (a
	// change whose originator had no local subscribers).
	if ids, ok := m["connection_ids"].([]any); ok {
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, fmt.Errorf("router: connection id is not a string")
			}
			env.ConnectionIDs = append(env.ConnectionIDs, s)
		}
	}

	if sender, ok := m["sender"].(string); ok {
		env.Sender = sender
	}
	if seq, ok := m["tx_seq"].(float64); ok {
		u := uint64(seq)
		env.TxSeq = &u
	}

	frame, ok := m["frame"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("router: envelope missing frame")
	}
	msg, _ := frame["msg"].(string)
	env.Frame.Msg = ddp.Msg(msg)
	env.Frame.Collection, _ = frame["collection"].(string)
	env.Frame.ID, _ = frame["id"].(string)
	if fields, ok := frame["fields"].(map[string]any); ok {
		env.Frame.Fields = fields
	}

	switch env.Frame.Msg {
	case ddp.MsgAdded, ddp.MsgChanged, ddp.MsgRemoved:
	default:
		return nil, fmt.Errorf("router: envelope frame kind %q", msg)
	}
	if env.Frame.Collection == "" || env.Frame.ID == "" {
		return nil, fmt.Errorf("router: envelope frame missing collection/id")
	}
	return env, nil
}
