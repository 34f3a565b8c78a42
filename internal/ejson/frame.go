package ejson

import (
	"encoding/json"
	"fmt"
)

// EncodeFrames implements the wire-level double encoding: the
// WebSocket payload is a plain JSON array of strings,
// where each string is itself the EJSON encoding of one DDP message.
// SockJS historically batched multiple frames into a single socket
// write this way; DDP keeps the same envelope even though most writes
// here carry exactly one message.
func EncodeFrames(msgs ...any) ([]byte, error) {
	strs := make([]string, len(msgs))
	for i, m := range msgs {
		b, err := Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("ejson: encode frame %d: %w", i, err)
		}
		strs[i] = string(b)
	}
	out, err := json.Marshal(strs)
	if err != nil {
		return nil, fmt.Errorf("ejson: encode frame envelope: %w", err)
	}
	return out, nil
}

// DecodeFrames unwraps a socket payload into its constituent EJSON
// documents, reversing EncodeFrames.
func DecodeFrames(data []byte) ([]Doc, error) {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return nil, fmt.Errorf("ejson: decode frame envelope: %w", err)
	}
	docs := make([]Doc, len(strs))
	for i, s := range strs {
		d, err := Unmarshal([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("ejson: decode frame %d: %w", i, err)
		}
		docs[i] = d
	}
	return docs, nil
}
