package harvest

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/google/uuid"

	"oai_harvester/internal/domain"
	"oai_harvester/internal/oaipmh"
)

type UnitStore interface {
	FindByCollection(ctx context.Context, collectionID uuid.UUID) (*domain.HarvestUnit, error)
	Update(ctx context.Context, unit *domain.HarvestUnit) error
}

type LinkStore interface {
	FindByOAIID(ctx context.Context, collectionID uuid.UUID, oaiID string) (*domain.HarvestedRecordLink, error)
	Upsert(ctx context.Context, link *domain.HarvestedRecordLink) error
}

type ItemStore interface {
	Create(ctx context.Context, collectionID uuid.UUID) (*domain.Item, error)
	Update(ctx context.Context, item *domain.Item) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Item, error)
	FindByHandle(ctx context.Context, handle string) (*domain.Item, error)
	FindByLocalIdentifier(ctx context.Context, collectionID uuid.UUID, localID string) (*domain.Item, error)
	RemoveFromCollection(ctx context.Context, collectionID, itemID uuid.UUID) error
}

type Client interface {
	Identify(ctx context.Context, baseURL string) (*oaipmh.IdentifyResponse, error)
	ListMetadataFormats(ctx context.Context, baseURL string) ([]oaipmh.MetadataFormat, []oaipmh.ProtocolError, error)
	ListRecords(ctx context.Context, baseURL string, args oaipmh.ListArgs) (*oaipmh.ListRecordsResponse, error)
	ListRecordsToken(ctx context.Context, baseURL, token string) (*oaipmh.ListRecordsResponse, error)
	GetRecord(ctx context.Context, baseURL, identifier, prefix string) (*oaipmh.Record, []oaipmh.ProtocolError, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	PublishRecord(ctx context.Context, event domain.RecordEvent) error
}

type AlertNotifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}
