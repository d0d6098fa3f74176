package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"oai_harvester/internal/domain"
)

const unitColumns = `collection_id, harvest_type, oai_source, oai_set_id,
	metadata_format, status, last_harvest_date, harvest_start_time, message`

type HarvestUnitStore struct {
	db *sqlx.DB
}

func NewHarvestUnitStore(db *sqlx.DB) *HarvestUnitStore {
	return &HarvestUnitStore{db: db}
}

// Create inserts a fresh, unconfigured unit for a collection.
func (s *HarvestUnitStore) Create(ctx context.Context, collectionID uuid.UUID) (*domain.HarvestUnit, error) {
	unit := &domain.HarvestUnit{
		CollectionID: collectionID,
		HarvestType:  domain.HarvestNone,
		Status:       domain.StatusReady,
	}

	query := `
		INSERT INTO harvest_units (collection_id, harvest_type, status, metadata_format, message)
		VALUES ($1, $2, $3, '', '')`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, collectionID, unit.HarvestType, unit.Status)
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func (s *HarvestUnitStore) Update(ctx context.Context, unit *domain.HarvestUnit) error {
	query := `
		UPDATE harvest_units SET
			harvest_type = $2,
			oai_source = $3,
			oai_set_id = $4,
			metadata_format = $5,
			status = $6,
			last_harvest_date = $7,
			harvest_start_time = $8,
			message = $9
		WHERE collection_id = $1`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		unit.CollectionID,
		unit.HarvestType,
		unit.OAISource,
		unit.OAISetID,
		unit.MetadataFormat,
		unit.Status,
		unit.LastHarvestDate,
		unit.HarvestStartTime,
		unit.Message,
	)
	return err
}

func (s *HarvestUnitStore) Delete(ctx context.Context, collectionID uuid.UUID) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM harvest_units WHERE collection_id = $1", collectionID)
	return err
}

func (s *HarvestUnitStore) FindByCollection(ctx context.Context, collectionID uuid.UUID) (*domain.HarvestUnit, error) {
	var unit domain.HarvestUnit
	query := `SELECT ` + unitColumns + ` FROM harvest_units WHERE collection_id = $1`

	err := s.db.GetContext(ctx, &unit, query, collectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *HarvestUnitStore) FindAll(ctx context.Context) ([]domain.HarvestUnit, error) {
	var units []domain.HarvestUnit
	query := `SELECT ` + unitColumns + ` FROM harvest_units ORDER BY collection_id`
	err := s.db.SelectContext(ctx, &units, query)
	return units, err
}

func (s *HarvestUnitStore) FindByStatus(ctx context.Context, status domain.HarvestStatus) ([]domain.HarvestUnit, error) {
	var units []domain.HarvestUnit
	query := `SELECT ` + unitColumns + ` FROM harvest_units WHERE status = $1 ORDER BY collection_id`
	err := s.db.SelectContext(ctx, &units, query, status)
	return units, err
}

// FindReady returns harvestable units due for a harvest: last harvested
// before now-interval (or never), in READY or OAI_ERROR status, or stuck in
// BUSY for more than twice the stale timeout. Oldest harvest dates sort
// first, never-harvested units before all of them.
func (s *HarvestUnitStore) FindReady(ctx context.Context, now time.Time, interval, staleTimeout time.Duration) ([]domain.HarvestUnit, error) {
	query := `
		SELECT ` + unitColumns + `
		FROM harvest_units
		WHERE harvest_type > $1
		  AND oai_source IS NOT NULL
		  AND oai_set_id IS NOT NULL
		  AND (last_harvest_date IS NULL OR last_harvest_date < $2)
		  AND (
			status IN ($3, $4)
			OR (status = $5 AND harvest_start_time < $6)
		  )
		ORDER BY last_harvest_date ASC NULLS FIRST`

	var units []domain.HarvestUnit
	err := s.db.SelectContext(ctx, &units, query,
		domain.HarvestNone,
		now.Add(-interval),
		domain.StatusReady,
		domain.StatusOAIError,
		domain.StatusBusy,
		now.Add(-2*staleTimeout),
	)
	return units, err
}

// FindOldestReady returns the READY unit with the oldest last harvest date,
// or nil when none exists. It deliberately looks only at READY status, so an
// all-error fleet produces no wake signal and the scheduler falls back to
// its maximum heartbeat.
func (s *HarvestUnitStore) FindOldestReady(ctx context.Context, now time.Time) (*domain.HarvestUnit, error) {
	query := `
		SELECT ` + unitColumns + `
		FROM harvest_units
		WHERE harvest_type > $1 AND status = $2
		ORDER BY last_harvest_date ASC NULLS FIRST
		LIMIT 1`

	var unit domain.HarvestUnit
	err := s.db.GetContext(ctx, &unit, query, domain.HarvestNone, domain.StatusReady)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ResetAll clears harvest start times and forces every configured unit back
// to READY. Administrative escape hatch for units wedged in QUEUED or BUSY
// after a crash; last harvest dates are left untouched.
func (s *HarvestUnitStore) ResetAll(ctx context.Context) error {
	query := `
		UPDATE harvest_units
		SET status = $1, harvest_start_time = NULL
		WHERE harvest_type > $2`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, domain.StatusReady, domain.HarvestNone)
	return err
}
