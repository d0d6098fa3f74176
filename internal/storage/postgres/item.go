package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"oai_harvester/internal/domain"
)

type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

type itemRow struct {
	ID              uuid.UUID `db:"id"`
	CollectionID    uuid.UUID `db:"collection_id"`
	Handle          *string   `db:"handle"`
	LocalIdentifier *string   `db:"local_identifier"`
	Metadata        []byte    `db:"metadata"`
	Bundles         []byte    `db:"bundles"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r itemRow) toDomain() (*domain.Item, error) {
	item := &domain.Item{
		ID:              r.ID,
		CollectionID:    r.CollectionID,
		Handle:          r.Handle,
		LocalIdentifier: r.LocalIdentifier,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode item metadata: %w", err)
		}
	}
	if len(r.Bundles) > 0 {
		if err := json.Unmarshal(r.Bundles, &item.Bundles); err != nil {
			return nil, fmt.Errorf("decode item bundles: %w", err)
		}
	}
	return item, nil
}

func encodeItem(item *domain.Item) (metadata, bundles []byte, err error) {
	md := item.Metadata
	if md == nil {
		md = []domain.MetadataValue{}
	}
	bd := item.Bundles
	if bd == nil {
		bd = []domain.Bundle{}
	}
	metadata, err = json.Marshal(md)
	if err != nil {
		return nil, nil, fmt.Errorf("encode item metadata: %w", err)
	}
	bundles, err = json.Marshal(bd)
	if err != nil {
		return nil, nil, fmt.Errorf("encode item bundles: %w", err)
	}
	return metadata, bundles, nil
}

// Create inserts a new empty item into a collection.
func (s *ItemStore) Create(ctx context.Context, collectionID uuid.UUID) (*domain.Item, error) {
	now := time.Now().UTC()
	item := &domain.Item{
		ID:           uuid.New(),
		CollectionID: collectionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
		INSERT INTO items (id, collection_id, metadata, bundles, created_at, updated_at)
		VALUES ($1, $2, '[]', '[]', $3, $3)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, item.ID, collectionID, now)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *ItemStore) Update(ctx context.Context, item *domain.Item) error {
	metadata, bundles, err := encodeItem(item)
	if err != nil {
		return err
	}

	item.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE items SET
			handle = $2,
			local_identifier = $3,
			metadata = $4,
			bundles = $5,
			updated_at = $6
		WHERE id = $1`

	_, err = GetExecutor(ctx, s.db).ExecContext(ctx, query,
		item.ID,
		item.Handle,
		item.LocalIdentifier,
		metadata,
		bundles,
		item.UpdatedAt,
	)
	return err
}

func (s *ItemStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	return s.findOne(ctx, "SELECT * FROM items WHERE id = $1", id)
}

// FindByHandle is the handle-collision check for newly created items.
func (s *ItemStore) FindByHandle(ctx context.Context, handle string) (*domain.Item, error) {
	return s.findOne(ctx, "SELECT * FROM items WHERE handle = $1", handle)
}

// FindByLocalIdentifier locates an item by the secondary key derived from
// the remote repository and record ids, used to re-link records that exist
// locally without a harvest link.
func (s *ItemStore) FindByLocalIdentifier(ctx context.Context, collectionID uuid.UUID, localID string) (*domain.Item, error) {
	return s.findOne(ctx,
		"SELECT * FROM items WHERE collection_id = $1 AND local_identifier = $2",
		collectionID, localID)
}

func (s *ItemStore) findOne(ctx context.Context, query string, args ...any) (*domain.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// RemoveFromCollection drops an item from a collection. Items live in
// exactly one collection here, so removal deletes the item row; the harvest
// link goes with it.
func (s *ItemStore) RemoveFromCollection(ctx context.Context, collectionID, itemID uuid.UUID) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM items WHERE id = $1 AND collection_id = $2", itemID, collectionID)
	return err
}

// CountByCollection reports how many items a collection holds.
func (s *ItemStore) CountByCollection(ctx context.Context, collectionID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM items WHERE collection_id = $1", collectionID)
	return count, err
}
