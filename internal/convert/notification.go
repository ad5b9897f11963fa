package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/wire"
)

// UnknownType is the notification type used when a payload cannot be interpreted.
const UnknownType = "unknown"

// ErrMalformedPayload is returned by NormalizeNotification for payloads it cannot interpret.
var ErrMalformedPayload = errors.New("malformed notification payload")

// Normalized is a notification payload reduced to {type, payload}.
type Normalized struct {
	Type    string
	Payload map[string]any
}

const maxNesting = 3

// NormalizeNotification interprets a payload that may be an object, a JSON
// string holding an object, or an envelope carrying the body under "data".
// On error the returned value is still usable: Type is UnknownType.
func NormalizeNotification(raw []byte) (Normalized, error) {
	if len(raw) == 0 {
		return Normalized{Type: UnknownType, Payload: map[string]any{}}, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if !gjson.ValidBytes(raw) {
		return Normalized{Type: UnknownType, Payload: map[string]any{"message": string(raw)}},
			fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	return normalize(gjson.ParseBytes(raw), 0)
}

func normalize(r gjson.Result, depth int) (Normalized, error) {
	if depth >= maxNesting {
		return Normalized{Type: UnknownType, Payload: map[string]any{}}, fmt.Errorf("%w: nested too deep", ErrMalformedPayload)
	}
	switch {
	case r.Type == gjson.String:
		inner := strings.TrimSpace(r.Str)
		if !gjson.Valid(inner) {
			return Normalized{Type: UnknownType, Payload: map[string]any{"message": r.Str}},
				fmt.Errorf("%w: plain string", ErrMalformedPayload)
		}
		return normalize(gjson.Parse(inner), depth+1)

	case r.IsObject():
		typ := r.Get("type").String()
		body := r
		if d := r.Get("data"); d.Exists() {
			if d.Type == gjson.String && gjson.Valid(d.Str) {
				d = gjson.Parse(d.Str)
			}
			if d.IsObject() {
				if typ == "" {
					typ = d.Get("type").String()
				}
				body = d
			}
		}
		payload, _ := body.Value().(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		if typ == "" {
			typ = UnknownType
		}
		return Normalized{Type: typ, Payload: payload}, nil

	default:
		return Normalized{Type: UnknownType, Payload: map[string]any{}},
			fmt.Errorf("%w: unexpected %s", ErrMalformedPayload, r.Type)
	}
}

// NewNotification builds a domain notification from push arguments.
// A malformed payload degrades to UnknownType; the error is informational.
func NewNotification(id string, payload json.RawMessage, sentAt time.Time) (model.Notification, error) {
	n, err := NormalizeNotification(payload)
	return model.Notification{
		ID:      id,
		Type:    n.Type,
		Payload: n.Payload,
		SentAt:  sentAt,
	}, err
}

// FromWireNotification converts a REST notification. An explicit type field
// wins over an unknown normalized type.
func FromWireNotification(in wire.Notification) (model.Notification, error) {
	n, err := NewNotification(in.ID, in.Payload, in.SentAt)
	if n.Type == UnknownType && in.Type != "" {
		n.Type = in.Type
	}
	n.IsRead = in.IsRead
	return n, err
}

// GroupMessageTarget reports the group a group-message notification refers to.
func GroupMessageTarget(n model.Notification) (string, bool) {
	t := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(n.Type))
	if t != "groupmessage" && t != "newgroupmessage" {
		return "", false
	}
	for _, k := range []string{"groupId", "GroupId", "group_id"} {
		if v, ok := n.Payload[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
