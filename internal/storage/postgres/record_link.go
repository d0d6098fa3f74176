package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"oai_harvester/internal/domain"
)

type RecordLinkStore struct {
	db *sqlx.DB
}

func NewRecordLinkStore(db *sqlx.DB) *RecordLinkStore {
	return &RecordLinkStore{db: db}
}

// FindByOAIID looks up the local item linked to a remote OAI identifier
// within one collection's harvest. Returns nil when no link exists.
func (s *RecordLinkStore) FindByOAIID(ctx context.Context, collectionID uuid.UUID, oaiID string) (*domain.HarvestedRecordLink, error) {
	var link domain.HarvestedRecordLink
	query := `
		SELECT item_id, collection_id, oai_id, last_harvest_date
		FROM harvested_record_links
		WHERE collection_id = $1 AND oai_id = $2`

	err := s.db.GetContext(ctx, &link, query, collectionID, oaiID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *RecordLinkStore) FindByItem(ctx context.Context, itemID uuid.UUID) (*domain.HarvestedRecordLink, error) {
	var link domain.HarvestedRecordLink
	query := `
		SELECT item_id, collection_id, oai_id, last_harvest_date
		FROM harvested_record_links
		WHERE item_id = $1`

	err := s.db.GetContext(ctx, &link, query, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// Upsert creates or refreshes the link for an item. One link per item.
func (s *RecordLinkStore) Upsert(ctx context.Context, link *domain.HarvestedRecordLink) error {
	query := `
		INSERT INTO harvested_record_links (item_id, collection_id, oai_id, last_harvest_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE SET
			oai_id = EXCLUDED.oai_id,
			last_harvest_date = EXCLUDED.last_harvest_date`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		link.ItemID,
		link.CollectionID,
		link.OAIID,
		link.LastHarvestDate,
	)
	return err
}

func (s *RecordLinkStore) Delete(ctx context.Context, itemID uuid.UUID) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM harvested_record_links WHERE item_id = $1", itemID)
	return err
}
