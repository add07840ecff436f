package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Notification kinds carried by INFO messages.
const (
	NotificationLoad       = "LOAD"
	NotificationReevaluate = "REEVALUATE"
	NotificationDelete     = "DELETE"
)

// InfoMessage is an upstream engine notification naming the entities affected
// by a record load, reevaluation, or deletion. Only the fields needed to derive
// tasks are typed (FLAGS and INTERESTING_ENTITIES are kept as raw JSON); other
// fields are dropped on decode.
type InfoMessage struct {
	Kind             string           `json:"NOTIFICATION_KIND"`
	DataSource       string           `json:"DATA_SOURCE"`
	RecordID         string           `json:"RECORD_ID"`
	Flags            json.RawMessage  `json:"FLAGS,omitempty"`
	AffectedEntities []AffectedEntity `json:"AFFECTED_ENTITIES"`
	InterestingItems json.RawMessage  `json:"INTERESTING_ENTITIES,omitempty"`
}

// AffectedEntity names one entity touched by the notification.
type AffectedEntity struct {
	EntityID int64 `json:"ENTITY_ID"`
}

// ParseInfoMessage decodes a raw INFO payload. The payload may contain fields
// beyond the typed ones; those are ignored.
func ParseInfoMessage(body json.RawMessage) (InfoMessage, error) {
	var msg InfoMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return InfoMessage{}, fmt.Errorf("op=info.parse: %w: %v", ErrInvalidArgument, err)
	}
	return msg, nil
}

// IsDeletion reports whether the notification announces a record deletion.
// Messages without a kind are treated as load/reevaluate notifications.
func (m InfoMessage) IsDeletion() bool {
	return strings.EqualFold(m.Kind, NotificationDelete)
}

// EntityIDs returns the distinct affected entity ids in message order.
func (m InfoMessage) EntityIDs() []int64 {
	seen := make(map[int64]struct{}, len(m.AffectedEntities))
	ids := make([]int64, 0, len(m.AffectedEntities))
	for _, e := range m.AffectedEntities {
		if _, dup := seen[e.EntityID]; dup {
			continue
		}
		seen[e.EntityID] = struct{}{}
		ids = append(ids, e.EntityID)
	}
	return ids
}
