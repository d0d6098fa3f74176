package domain

import (
	"time"

	"github.com/google/uuid"
)

// MetadataValue is a single descriptive metadata field on an item,
// e.g. {dc, title, "", en, "Some title"}.
type MetadataValue struct {
	Schema    string `json:"schema"`
	Element   string `json:"element"`
	Qualifier string `json:"qualifier,omitempty"`
	Language  string `json:"language,omitempty"`
	Value     string `json:"value"`
}

// Bitstream is a named blob inside a bundle. For harvested content the
// payload is whatever the structural-metadata crosswalk produced.
type Bitstream struct {
	Name    string `json:"name"`
	Format  string `json:"format,omitempty"`
	Content []byte `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Bundle groups bitstreams under a role name such as "ORIGINAL" or "ORE".
type Bundle struct {
	Name       string      `json:"name"`
	Bitstreams []Bitstream `json:"bitstreams"`
}

// Item is the slice of the content model the harvester reads and writes.
type Item struct {
	ID           uuid.UUID       `json:"id"`
	CollectionID uuid.UUID       `json:"collection_id"`
	Handle       *string         `json:"handle,omitempty"`
	// LocalIdentifier is a secondary key derived from the remote repository
	// id and record id. It lets a harvest re-link records that already exist
	// locally without a HarvestedRecordLink.
	LocalIdentifier *string         `json:"local_identifier,omitempty"`
	Metadata        []MetadataValue `json:"metadata"`
	Bundles         []Bundle        `json:"bundles"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ClearMetadata drops all descriptive metadata prior to re-ingestion.
func (i *Item) ClearMetadata() {
	i.Metadata = i.Metadata[:0]
}

// AddMetadata appends a single metadata value.
func (i *Item) AddMetadata(schema, element, qualifier, language, value string) {
	i.Metadata = append(i.Metadata, MetadataValue{
		Schema:    schema,
		Element:   element,
		Qualifier: qualifier,
		Language:  language,
		Value:     value,
	})
}

// FirstMetadata returns the first value matching schema.element.qualifier,
// or "" if none is present.
func (i *Item) FirstMetadata(schema, element, qualifier string) string {
	for _, mv := range i.Metadata {
		if mv.Schema == schema && mv.Element == element && mv.Qualifier == qualifier {
			return mv.Value
		}
	}
	return ""
}

// ReplaceBundles drops all existing bundles in favour of the supplied set.
// Harvesting uses this to keep structural state in sync with the remote
// package; prior bundle content is not preserved.
func (i *Item) ReplaceBundles(bundles []Bundle) {
	i.Bundles = bundles
}
