package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies monitored signals.
type Type string

const (
	TypeError       Type = "error"
	TypePerformance Type = "performance"
	TypeBehavior    Type = "behavior"
	TypeCustom      Type = "custom"
)

// ErrTypeRequired is returned when a reported draft has no type.
var ErrTypeRequired = errors.New("event type is required")

// Event is one monitored signal waiting for delivery.
// Params: id is the acknowledgement key; data is free-form payload.
// Returns: immutable event value (use Clone before mutating Data).
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Draft is a partially filled event accepted from producers.
// Params: Type is mandatory, all other fields fall back to defaults.
// Returns: input for Normalize.
type Draft struct {
	ID        string         `json:"id,omitempty"`
	Type      Type           `json:"type,omitempty"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Normalize fills draft defaults and builds a complete event.
// Params: draft producer input; now clock used for the default timestamp.
// Returns: complete event or ErrTypeRequired.
func Normalize(draft Draft, now time.Time) (Event, error) {
	eventType := Type(strings.TrimSpace(string(draft.Type)))
	if eventType == "" {
		return Event{}, ErrTypeRequired
	}

	out := Event{
		ID:        strings.TrimSpace(draft.ID),
		Type:      eventType,
		Name:      draft.Name,
		Data:      cloneMap(draft.Data),
		Timestamp: draft.Timestamp,
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Name == "" {
		out.Name = string(eventType)
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	if out.Timestamp == 0 {
		out.Timestamp = now.UnixMilli()
	}
	return out, nil
}

// Clone returns a deep copy safe for mutation.
// Params: none.
// Returns: copied event.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out
}

// String reads one data field as string.
// Params: key data field name.
// Returns: field value, fmt rendering for non-string scalars, or "" when absent.
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	raw, ok := e.Data[key]
	if !ok || raw == nil {
		return ""
	}
	if text, ok := raw.(string); ok {
		return text
	}
	return fmt.Sprint(raw)
}

// IDs returns event ids in input order.
// Params: events list.
// Returns: id list.
func IDs(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, item := range events {
		out = append(out, item.ID)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		items := make([]any, len(typed))
		for idx, item := range typed {
			items[idx] = cloneValue(item)
		}
		return items
	case []string:
		items := make([]string, len(typed))
		copy(items, typed)
		return items
	default:
		return typed
	}
}
