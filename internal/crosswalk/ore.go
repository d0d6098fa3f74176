package crosswalk

import (
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"oai_harvester/internal/domain"
)

// ORE namespaces.
const (
	ORENamespace  = "http://www.openarchives.org/ore/terms/"
	AtomNamespace = "http://www.w3.org/2005/Atom"
)

const aggregatesRel = "http://www.openarchives.org/ore/terms/aggregates"

// ORE ingests an ORE resource map (Atom serialization) into an item's
// bundles. All existing bundles are replaced; structural state always
// mirrors the remote package.
type ORE struct{}

func NewORE() *ORE {
	return &ORE{}
}

type oreResourceMap struct {
	XMLName xml.Name
	Links   []oreLink `xml:"link"`
}

type oreLink struct {
	Rel   string `xml:"rel,attr"`
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

func (o *ORE) Ingest(item *domain.Item, payload []byte) error {
	var rem oreResourceMap
	if err := xml.Unmarshal(payload, &rem); err != nil {
		return fmt.Errorf("parse ORE resource map: %w", err)
	}

	original := domain.Bundle{Name: "ORIGINAL"}
	for _, link := range rem.Links {
		if link.Rel != aggregatesRel {
			continue
		}
		name := link.Title
		if name == "" {
			name = path.Base(strings.TrimRight(link.Href, "/"))
		}
		original.Bitstreams = append(original.Bitstreams, domain.Bitstream{
			Name:   name,
			Format: link.Type,
			URL:    link.Href,
		})
	}

	// The raw resource map is kept alongside the aggregated files so the
	// package can be re-disseminated without another remote round trip.
	ore := domain.Bundle{
		Name: "ORE",
		Bitstreams: []domain.Bitstream{
			{Name: "ORE.xml", Format: "text/xml", Content: payload},
		},
	}

	item.ReplaceBundles([]domain.Bundle{original, ore})
	return nil
}
