package protov1

import (
	"time"
)

type EventType string

const (
	EventTypeAddressActivity EventType = "ADDRESS_ACTIVITY"
)

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusSuccess   EventStatus = "success"
	EventStatusFailed    EventStatus = "failed"
)

// StreamEvent is the canonical address-activity record. Fields the source did
// not carry stay empty (or nil for BlockNumber) instead of being zero-filled.
type StreamEvent struct {
	From        string      `json:"from,omitempty"`
	To          string      `json:"to,omitempty"`
	Value       string      `json:"value,omitempty"`
	Hash        string      `json:"hash,omitempty"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
	GasUsed     string      `json:"gasUsed,omitempty"`
	Status      EventStatus `json:"status,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Time returns the event timestamp as a time.Time.
func (e StreamEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// PrimaryAddress returns the first address present on the event.
func (e StreamEvent) PrimaryAddress() string {
	if e.From != "" {
		return e.From
	}
	return e.To
}

type EventBatch struct {
	ChainKey string
	Events   []StreamEvent
}
