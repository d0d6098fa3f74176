package oaipmh

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol error codes the harvester cares about.
const (
	ErrNoRecordsMatch     = "noRecordsMatch"
	ErrNoSetHierarchy     = "noSetHierarchy"
	ErrBadResumptionToken = "badResumptionToken"
	ErrCannotDisseminate  = "cannotDisseminateFormat"
)

// Datestamp granularities as advertised by Identify.
const (
	GranularitySecond = "YYYY-MM-DDThh:mm:ssZ"
	GranularityDay    = "YYYY-MM-DD"
)

// ProtocolError is an OAI-PMH level error returned inside a 200 response.
type ProtocolError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, strings.TrimSpace(e.Message))
}

// JoinErrors renders a protocol error set the way it is persisted in
// harvest messages.
func JoinErrors(errs []ProtocolError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// HasOnly reports whether the error set consists of exactly one error with
// the given code.
func HasOnly(errs []ProtocolError, code string) bool {
	return len(errs) == 1 && errs[0].Code == code
}

// Header is the OAI record header.
type Header struct {
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	Status     string   `xml:"status,attr"`
	SetSpecs   []string `xml:"setSpec"`
}

// Deleted reports whether the remote provider has tombstoned this record.
func (h Header) Deleted() bool {
	return h.Status == "deleted"
}

// DatestampTime parses the header datestamp at either supported granularity.
func (h Header) DatestampTime() (time.Time, error) {
	return ParseDatestamp(h.Datestamp)
}

// Metadata carries the raw metadata payload; crosswalks own its parsing.
type Metadata struct {
	Raw string `xml:",innerxml"`
}

// Record is one OAI record: header plus raw metadata.
type Record struct {
	Header   Header   `xml:"header"`
	Metadata Metadata `xml:"metadata"`
}

// Payload returns the raw metadata bytes for crosswalk ingestion.
func (r Record) Payload() []byte {
	return []byte(strings.TrimSpace(r.Metadata.Raw))
}

// MetadataFormat is one entry of a ListMetadataFormats response.
type MetadataFormat struct {
	Prefix    string `xml:"metadataPrefix"`
	Schema    string `xml:"schema"`
	Namespace string `xml:"metadataNamespace"`
}

// ResolvePrefix finds the metadataPrefix a provider assigned to the given
// namespace URI. Returns "" when the provider does not disseminate it.
func ResolvePrefix(formats []MetadataFormat, namespaceURI string) string {
	for _, f := range formats {
		if f.Namespace == namespaceURI {
			return f.Prefix
		}
	}
	return ""
}

// IdentifyResponse is the subset of Identify the harvester consumes.
type IdentifyResponse struct {
	RepositoryName       string
	BaseURL              string
	Granularity          string
	RepositoryIdentifier string
	Errors               []ProtocolError
}

// ListRecordsResponse is one page of a ListRecords result.
type ListRecordsResponse struct {
	Records          []Record
	ResumptionToken  string
	CompleteListSize int64
	Errors           []ProtocolError
}

// ListArgs are the selective-harvesting arguments for an initial ListRecords
// request. From and Until are preformatted per the provider's granularity.
type ListArgs struct {
	From   string
	Until  string
	Set    string
	Prefix string
}

// FormatDate renders a timestamp for the remote provider: shifted to UTC,
// padded backward to tolerate clock skew, then truncated to the provider's
// advertised granularity.
func FormatDate(t time.Time, granularity string, padding time.Duration) string {
	s := t.Add(-padding).UTC().Format("2006-01-02T15:04:05Z")
	if len(granularity) > 0 && len(granularity) < len(s) {
		return s[:len(granularity)]
	}
	return s
}

// ParseDatestamp accepts both second- and day-granularity datestamps.
func ParseDatestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse datestamp %q: %w", s, err)
	}
	return t, nil
}

// Wire envelope. Every verb payload is optional; protocol errors arrive as
// sibling <error> elements.

type envelope struct {
	XMLName             xml.Name          `xml:"OAI-PMH"`
	Errors              []ProtocolError   `xml:"error"`
	Identify            *identifyPayload  `xml:"Identify"`
	ListMetadataFormats *formatsPayload   `xml:"ListMetadataFormats"`
	ListRecords         *recordsPayload   `xml:"ListRecords"`
	GetRecord           *getRecordPayload `xml:"GetRecord"`
}

type identifyPayload struct {
	RepositoryName string                `xml:"repositoryName"`
	BaseURL        string                `xml:"baseURL"`
	Granularity    string                `xml:"granularity"`
	Descriptions   []identifyDescription `xml:"description"`
}

type identifyDescription struct {
	OAIIdentifier *oaiIdentifier `xml:"oai-identifier"`
}

type oaiIdentifier struct {
	RepositoryIdentifier string `xml:"repositoryIdentifier"`
}

type formatsPayload struct {
	Formats []MetadataFormat `xml:"metadataFormat"`
}

type recordsPayload struct {
	Records         []Record         `xml:"record"`
	ResumptionToken *resumptionToken `xml:"resumptionToken"`
}

type getRecordPayload struct {
	Record Record `xml:"record"`
}

type resumptionToken struct {
	Value            string `xml:",chardata"`
	CompleteListSize string `xml:"completeListSize,attr"`
}

func (rt *resumptionToken) listSize() int64 {
	if rt == nil || strings.TrimSpace(rt.CompleteListSize) == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rt.CompleteListSize), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
