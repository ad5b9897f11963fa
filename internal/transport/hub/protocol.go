package hub

import (
	"bytes"
	"encoding/json"
)

// RecordSeparator terminates every JSON record on the wire.
const RecordSeparator = 0x1e

// Message types of the JSON hub protocol.
const (
	TypeInvocation = 1
	TypeCompletion = 3
	TypePing       = 6
	TypeClose      = 7
)

// Message is a decoded hub record.
type Message struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type outbound struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target,omitempty"`
	Arguments    []any  `json:"arguments"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// frame appends the record separator to a marshaled value.
func frame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, RecordSeparator), nil
}

// EncodeInvocation frames an invocation; an empty id means no completion is expected.
func EncodeInvocation(id, target string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return frame(outbound{Type: TypeInvocation, InvocationID: id, Target: target, Arguments: args})
}

func encodePing() []byte { return []byte(`{"type":6}` + string(rune(RecordSeparator))) }

func encodeHandshake() ([]byte, error) {
	return frame(handshakeRequest{Protocol: "json", Version: 1})
}

// SplitRecords splits a websocket payload into non-empty records.
func SplitRecords(payload []byte) [][]byte {
	parts := bytes.Split(payload, []byte{RecordSeparator})
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}
