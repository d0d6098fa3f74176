package oaipmh

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds OAI-PMH client configuration.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// Client issues OAI-PMH verbs against arbitrary provider base URLs.
type Client struct {
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	userAgent      string
	logger         *slog.Logger
}

// New creates an OAI-PMH client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		userAgent:      cfg.UserAgent,
		logger:         logger.With("component", "oaipmh"),
	}
}

// Identify queries the provider for its identity and datestamp granularity.
func (c *Client) Identify(ctx context.Context, baseURL string) (*IdentifyResponse, error) {
	env, err := c.fetch(ctx, baseURL, "Identify", url.Values{})
	if err != nil {
		return nil, err
	}

	res := &IdentifyResponse{
		Granularity: GranularitySecond,
		Errors:      env.Errors,
	}
	if env.Identify != nil {
		res.RepositoryName = env.Identify.RepositoryName
		res.BaseURL = env.Identify.BaseURL
		if g := strings.TrimSpace(env.Identify.Granularity); g != "" {
			res.Granularity = g
		}
		for _, d := range env.Identify.Descriptions {
			if d.OAIIdentifier != nil && d.OAIIdentifier.RepositoryIdentifier != "" {
				res.RepositoryIdentifier = d.OAIIdentifier.RepositoryIdentifier
				break
			}
		}
	}
	return res, nil
}

// ListMetadataFormats queries the provider for its supported formats.
func (c *Client) ListMetadataFormats(ctx context.Context, baseURL string) ([]MetadataFormat, []ProtocolError, error) {
	env, err := c.fetch(ctx, baseURL, "ListMetadataFormats", url.Values{})
	if err != nil {
		return nil, nil, err
	}
	if env.ListMetadataFormats == nil {
		return nil, env.Errors, nil
	}
	return env.ListMetadataFormats.Formats, env.Errors, nil
}

// ListRecords issues an initial selective-harvesting request.
func (c *Client) ListRecords(ctx context.Context, baseURL string, args ListArgs) (*ListRecordsResponse, error) {
	vals := url.Values{
		"metadataPrefix": {args.Prefix},
	}
	if args.From != "" {
		vals.Set("from", args.From)
	}
	if args.Until != "" {
		vals.Set("until", args.Until)
	}
	if args.Set != "" {
		vals.Set("set", args.Set)
	}
	return c.listRecords(ctx, baseURL, vals)
}

// ListRecordsToken continues a paginated ListRecords using a resumption token.
func (c *Client) ListRecordsToken(ctx context.Context, baseURL, token string) (*ListRecordsResponse, error) {
	return c.listRecords(ctx, baseURL, url.Values{"resumptionToken": {token}})
}

func (c *Client) listRecords(ctx context.Context, baseURL string, vals url.Values) (*ListRecordsResponse, error) {
	env, err := c.fetch(ctx, baseURL, "ListRecords", vals)
	if err != nil {
		return nil, err
	}

	res := &ListRecordsResponse{Errors: env.Errors}
	if env.ListRecords != nil {
		res.Records = env.ListRecords.Records
		if rt := env.ListRecords.ResumptionToken; rt != nil {
			res.ResumptionToken = strings.TrimSpace(rt.Value)
			res.CompleteListSize = rt.listSize()
		}
	}
	return res, nil
}

// GetRecord fetches a single record in the requested metadata format.
func (c *Client) GetRecord(ctx context.Context, baseURL, identifier, prefix string) (*Record, []ProtocolError, error) {
	vals := url.Values{
		"identifier":     {identifier},
		"metadataPrefix": {prefix},
	}
	env, err := c.fetch(ctx, baseURL, "GetRecord", vals)
	if err != nil {
		return nil, nil, err
	}
	if env.GetRecord == nil {
		return nil, env.Errors, nil
	}
	rec := env.GetRecord.Record
	return &rec, env.Errors, nil
}

func (c *Client) fetch(ctx context.Context, baseURL, verb string, vals url.Values) (*envelope, error) {
	vals.Set("verb", verb)
	requestURL := baseURL + "?" + vals.Encode()

	var env *envelope
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		env, err = c.doRequest(ctx, requestURL)
		if err == nil {
			return env, nil
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("request failed, retrying",
			"verb", verb,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("%s after %d attempts: %w", verb, c.maxAttempts, err)
}

func (c *Client) doRequest(ctx context.Context, requestURL string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/xml")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var env envelope
	if err := xml.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &env, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > c.maxBackoff {
			return c.maxBackoff
		}
	}
	return backoff
}
