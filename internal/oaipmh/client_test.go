package oaipmh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

const identifyBody = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <responseDate>2026-08-30T10:00:00Z</responseDate>
  <Identify>
    <repositoryName>Test Repository</repositoryName>
    <baseURL>http://example.org/oai/request</baseURL>
    <granularity>YYYY-MM-DDThh:mm:ssZ</granularity>
    <description>
      <oai-identifier xmlns="http://www.openarchives.org/OAI/2.0/oai-identifier">
        <scheme>oai</scheme>
        <repositoryIdentifier>example.org</repositoryIdentifier>
      </oai-identifier>
    </description>
  </Identify>
</OAI-PMH>`

const listFormatsBody = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListMetadataFormats>
    <metadataFormat>
      <metadataPrefix>oai_dc</metadataPrefix>
      <schema>http://www.openarchives.org/OAI/2.0/oai_dc.xsd</schema>
      <metadataNamespace>http://www.openarchives.org/OAI/2.0/oai_dc/</metadataNamespace>
    </metadataFormat>
    <metadataFormat>
      <metadataPrefix>ore</metadataPrefix>
      <schema>http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd</schema>
      <metadataNamespace>http://www.w3.org/2005/Atom</metadataNamespace>
    </metadataFormat>
  </ListMetadataFormats>
</OAI-PMH>`

const listRecordsPageOne = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:1</identifier>
        <datestamp>2026-08-29T12:00:00Z</datestamp>
        <setSpec>col_1</setSpec>
      </header>
      <metadata>
        <oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:title>First</dc:title>
        </oai_dc:dc>
      </metadata>
    </record>
    <record>
      <header status="deleted">
        <identifier>oai:example.org:2</identifier>
        <datestamp>2026-08-29</datestamp>
      </header>
    </record>
    <resumptionToken completeListSize="3">page-two</resumptionToken>
  </ListRecords>
</OAI-PMH>`

const listRecordsPageTwo = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:3</identifier>
        <datestamp>2026-08-29T13:00:00Z</datestamp>
      </header>
      <metadata>
        <oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:title>Third</dc:title>
        </oai_dc:dc>
      </metadata>
    </record>
    <resumptionToken/>
  </ListRecords>
</OAI-PMH>`

const noRecordsBody = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <error code="noRecordsMatch">No matching records</error>
</OAI-PMH>`

type ClientTestSuite struct {
	suite.Suite
	ctx    context.Context
	client *Client
}

func (s *ClientTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = New(Config{
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		UserAgent:      "OAIHarvester/test",
	}, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) serve(handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	s.T().Cleanup(srv.Close)
	return srv
}

func (s *ClientTestSuite) TestIdentify() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("Identify", r.URL.Query().Get("verb"))
		s.Equal("OAIHarvester/test", r.Header.Get("User-Agent"))
		fmt.Fprint(w, identifyBody)
	})

	res, err := s.client.Identify(s.ctx, srv.URL)
	s.Require().NoError(err)
	s.Equal("Test Repository", res.RepositoryName)
	s.Equal("example.org", res.RepositoryIdentifier)
	s.Equal(GranularitySecond, res.Granularity)
	s.Empty(res.Errors)
}

func (s *ClientTestSuite) TestIdentify_DefaultGranularity() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><Identify><repositoryName>Bare</repositoryName></Identify></OAI-PMH>`)
	})

	res, err := s.client.Identify(s.ctx, srv.URL)
	s.Require().NoError(err)
	s.Equal(GranularitySecond, res.Granularity)
	s.Empty(res.RepositoryIdentifier)
}

func (s *ClientTestSuite) TestListMetadataFormats() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("ListMetadataFormats", r.URL.Query().Get("verb"))
		fmt.Fprint(w, listFormatsBody)
	})

	formats, errs, err := s.client.ListMetadataFormats(s.ctx, srv.URL)
	s.Require().NoError(err)
	s.Empty(errs)
	s.Len(formats, 2)
	s.Equal("oai_dc", ResolvePrefix(formats, "http://www.openarchives.org/OAI/2.0/oai_dc/"))
	s.Equal("ore", ResolvePrefix(formats, "http://www.w3.org/2005/Atom"))
	s.Empty(ResolvePrefix(formats, "http://example.org/unknown"))
}

func (s *ClientTestSuite) TestListRecords_Paginated() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("ListRecords", r.URL.Query().Get("verb"))
		if r.URL.Query().Get("resumptionToken") == "page-two" {
			fmt.Fprint(w, listRecordsPageTwo)
			return
		}
		s.Equal("oai_dc", r.URL.Query().Get("metadataPrefix"))
		s.Equal("col_1", r.URL.Query().Get("set"))
		s.Equal("2026-08-01T00:00:00Z", r.URL.Query().Get("from"))
		fmt.Fprint(w, listRecordsPageOne)
	})

	page, err := s.client.ListRecords(s.ctx, srv.URL, ListArgs{
		From:   "2026-08-01T00:00:00Z",
		Until:  "2026-08-30T00:00:00Z",
		Set:    "col_1",
		Prefix: "oai_dc",
	})
	s.Require().NoError(err)
	s.Len(page.Records, 2)
	s.Equal("page-two", page.ResumptionToken)
	s.Equal(int64(3), page.CompleteListSize)

	s.Equal("oai:example.org:1", page.Records[0].Header.Identifier)
	s.False(page.Records[0].Header.Deleted())
	s.Contains(string(page.Records[0].Payload()), "<dc:title>First</dc:title>")

	s.True(page.Records[1].Header.Deleted())
	s.Empty(page.Records[1].Payload())

	next, err := s.client.ListRecordsToken(s.ctx, srv.URL, page.ResumptionToken)
	s.Require().NoError(err)
	s.Len(next.Records, 1)
	s.Empty(next.ResumptionToken)
}

func (s *ClientTestSuite) TestListRecords_NoRecordsMatch() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, noRecordsBody)
	})

	page, err := s.client.ListRecords(s.ctx, srv.URL, ListArgs{Prefix: "oai_dc"})
	s.Require().NoError(err)
	s.Empty(page.Records)
	s.True(HasOnly(page.Errors, ErrNoRecordsMatch))
}

func (s *ClientTestSuite) TestGetRecord() {
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("GetRecord", r.URL.Query().Get("verb"))
		s.Equal("oai:example.org:1", r.URL.Query().Get("identifier"))
		s.Equal("ore", r.URL.Query().Get("metadataPrefix"))
		fmt.Fprint(w, `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <GetRecord>
    <record>
      <header>
        <identifier>oai:example.org:1</identifier>
        <datestamp>2026-08-29T12:00:00Z</datestamp>
      </header>
      <metadata><entry xmlns="http://www.w3.org/2005/Atom"><id>x</id></entry></metadata>
    </record>
  </GetRecord>
</OAI-PMH>`)
	})

	rec, errs, err := s.client.GetRecord(s.ctx, srv.URL, "oai:example.org:1", "ore")
	s.Require().NoError(err)
	s.Empty(errs)
	s.Equal("oai:example.org:1", rec.Header.Identifier)
	s.Contains(string(rec.Payload()), "<id>x</id>")
}

func (s *ClientTestSuite) TestRetry_EventualSuccess() {
	var calls atomic.Int32
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, identifyBody)
	})

	res, err := s.client.Identify(s.ctx, srv.URL)
	s.Require().NoError(err)
	s.Equal("Test Repository", res.RepositoryName)
	s.Equal(int32(3), calls.Load())
}

func (s *ClientTestSuite) TestRetry_Exhausted() {
	var calls atomic.Int32
	srv := s.serve(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := s.client.Identify(s.ctx, srv.URL)
	s.Require().Error(err)
	s.Contains(err.Error(), "after 3 attempts")
	s.Equal(int32(3), calls.Load())
}

func TestFormatDate(t *testing.T) {
	ts := time.Date(2026, 8, 30, 10, 2, 0, 0, time.UTC)

	if got := FormatDate(ts, GranularitySecond, 0); got != "2026-08-30T10:02:00Z" {
		t.Errorf("second granularity: got %q", got)
	}
	if got := FormatDate(ts, GranularitySecond, 120*time.Second); got != "2026-08-30T10:00:00Z" {
		t.Errorf("padded: got %q", got)
	}
	if got := FormatDate(ts, GranularityDay, 0); got != "2026-08-30" {
		t.Errorf("day granularity: got %q", got)
	}
	// Padding can cross a date boundary at day granularity.
	if got := FormatDate(time.Date(2026, 8, 30, 0, 1, 0, 0, time.UTC), GranularityDay, 120*time.Second); got != "2026-08-29" {
		t.Errorf("padded across midnight: got %q", got)
	}
}

func TestParseDatestamp(t *testing.T) {
	ts, err := ParseDatestamp("2026-08-29T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %v", ts)
	}

	ts, err = ParseDatestamp("2026-08-29")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %v", ts)
	}

	if _, err := ParseDatestamp("not-a-date"); err == nil {
		t.Error("expected error for malformed datestamp")
	}
}
