package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecordAction string

const (
	RecordCreated RecordAction = "create"
	RecordUpdated RecordAction = "update"
	RecordDeleted RecordAction = "delete"
)

// RecordEvent announces that a harvest materialized, refreshed or removed
// one local item.
type RecordEvent struct {
	Action       RecordAction `json:"action"`
	CollectionID uuid.UUID    `json:"collection_id"`
	ItemID       uuid.UUID    `json:"item_id"`
	OAIID        string       `json:"oai_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Alert carries an unrecoverable harvest outcome to the operator channel.
type Alert struct {
	CollectionID uuid.UUID     `json:"collection_id"`
	Status       HarvestStatus `json:"status"`
	Message      string        `json:"message"`
	Detail       string        `json:"detail,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}
