package crosswalk

import (
	"encoding/xml"
	"fmt"
	"strings"

	"oai_harvester/internal/domain"
)

// DCNamespace is the oai_dc metadata namespace.
const DCNamespace = "http://www.openarchives.org/OAI/2.0/oai_dc/"

// DublinCore ingests oai_dc payloads into an item's descriptive metadata.
// Prior metadata is cleared first so a re-harvest fully replaces the record.
type DublinCore struct{}

func NewDublinCore() *DublinCore {
	return &DublinCore{}
}

type dcContainer struct {
	XMLName xml.Name
	Fields  []dcField `xml:",any"`
}

type dcField struct {
	XMLName xml.Name
	Lang    string `xml:"lang,attr"`
	Value   string `xml:",chardata"`
}

func (d *DublinCore) Ingest(item *domain.Item, payload []byte) error {
	var container dcContainer
	if err := xml.Unmarshal(payload, &container); err != nil {
		return fmt.Errorf("parse oai_dc payload: %w", err)
	}

	item.ClearMetadata()
	for _, f := range container.Fields {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		element, qualifier := splitElement(f.XMLName.Local)
		item.AddMetadata("dc", element, qualifier, f.Lang, value)
	}

	return nil
}

// splitElement maps a qualified element name like "description.provenance"
// onto element + qualifier. Plain oai_dc never qualifies, but some
// providers disseminate qualified Dublin Core through the same prefix.
func splitElement(name string) (string, string) {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}
