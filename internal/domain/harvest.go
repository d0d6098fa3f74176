package domain

import (
	"time"

	"github.com/google/uuid"
)

// HarvestType controls how much of a remote record is materialized locally.
type HarvestType int

const (
	HarvestNone            HarvestType = 0
	HarvestMetadataOnly    HarvestType = 1
	HarvestMetadataAndRef  HarvestType = 2
	HarvestMetadataAndFull HarvestType = 3
)

// HarvestStatus is the persisted state of a harvest unit.
type HarvestStatus int

const (
	StatusUnknownError HarvestStatus = -1
	StatusReady        HarvestStatus = 0
	StatusBusy         HarvestStatus = 1
	StatusQueued       HarvestStatus = 2
	StatusOAIError     HarvestStatus = 3
)

func (s HarvestStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusBusy:
		return "busy"
	case StatusQueued:
		return "queued"
	case StatusOAIError:
		return "oai_error"
	case StatusUnknownError:
		return "unknown_error"
	}
	return "invalid"
}

// OAISetAll is the sentinel set id meaning "harvest all sets".
const OAISetAll = "all"

// HarvestUnit is the per-collection harvesting configuration and status.
// One unit exists per harvestable collection and is deleted with it.
type HarvestUnit struct {
	CollectionID     uuid.UUID     `db:"collection_id"`
	HarvestType      HarvestType   `db:"harvest_type"`
	OAISource        *string       `db:"oai_source"`
	OAISetID         *string       `db:"oai_set_id"`
	MetadataFormat   string        `db:"metadata_format"`
	Status           HarvestStatus `db:"status"`
	LastHarvestDate  *time.Time    `db:"last_harvest_date"`
	HarvestStartTime *time.Time    `db:"harvest_start_time"`
	Message          string        `db:"message"`
}

// Harvestable reports whether the unit is configured well enough to run at all.
func (u *HarvestUnit) Harvestable() bool {
	return u.HarvestType > HarvestNone &&
		u.OAISource != nil &&
		u.OAISetID != nil &&
		u.Status != StatusUnknownError
}

// Ready reports whether the unit is eligible for scheduling right now.
func (u *HarvestUnit) Ready() bool {
	return u.Harvestable() && (u.Status == StatusReady || u.Status == StatusOAIError)
}

// Set returns the remote set restriction, or "" when all sets are harvested.
func (u *HarvestUnit) Set() string {
	if u.OAISetID == nil || *u.OAISetID == OAISetAll {
		return ""
	}
	return *u.OAISetID
}

// HarvestedRecordLink joins a local item to the remote OAI record it was
// materialized from. An item carries at most one link; the link dies with
// the item.
type HarvestedRecordLink struct {
	ItemID          uuid.UUID `db:"item_id"`
	CollectionID    uuid.UUID `db:"collection_id"`
	OAIID           string    `db:"oai_id"`
	LastHarvestDate time.Time `db:"last_harvest_date"`
}

// CycleStats holds statistics about one harvest cycle.
type CycleStats struct {
	CollectionID uuid.UUID
	Fetched      int
	Created      int
	Updated      int
	Deleted      int
	Skipped      int
	Errors       int
	Duration     time.Duration
}
