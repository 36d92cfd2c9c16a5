package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaylist/internal/collate"
	"github.com/agentworkforce/relaylist/internal/listsync"
	"github.com/agentworkforce/relaylist/internal/logging"
)

// URLBuilder returns the request URL for a page. startKey is nil for the
// first page.
type URLBuilder func(pageSize int, startKey any) (string, error)

// HeadersProvider returns extra request headers, typically authorization.
type HeadersProvider func(ctx context.Context) (http.Header, error)

// ResponseParser turns the raw rows of a response into items.
type ResponseParser func(rows []json.RawMessage) ([]listsync.Item, error)

type Options struct {
	URLBuilder URLBuilder
	Headers    HeadersProvider
	Parser     ResponseParser
	HTTPClient *http.Client
	// RequestsPerSecond paces requests when positive. Burst defaults to 1.
	RequestsPerSecond float64
	Burst             int
	Logger            logging.Logger
}

// Client fetches pages from a remote API answering {"rows": [...]}. Failed
// requests are reported, never retried.
type Client struct {
	buildURL   URLBuilder
	headers    HeadersProvider
	parse      ResponseParser
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logging.Logger
}

var _ listsync.Fetcher = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	if opts.URLBuilder == nil {
		return nil, &listsync.ConfigError{Field: "URLBuilder", Reason: "is required"}
	}
	if opts.RequestsPerSecond < 0 {
		return nil, &listsync.ConfigError{Field: "RequestsPerSecond", Reason: "must not be negative"}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	parse := opts.Parser
	if parse == nil {
		parse = DefaultParser
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		buildURL:   opts.URLBuilder,
		headers:    opts.Headers,
		parse:      parse,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

func (c *Client) FetchPage(ctx context.Context, pageSize int, startKey any) ([]listsync.Item, error) {
	requestURL, err := c.buildURL(pageSize, startKey)
	if err != nil {
		return nil, &listsync.FetchError{Err: fmt.Errorf("build url: %w", err)}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &listsync.FetchError{URL: requestURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if c.headers != nil {
		extra, err := c.headers(ctx)
		if err != nil {
			return nil, &listsync.FetchError{URL: requestURL, Err: fmt.Errorf("resolve headers: %w", err)}
		}
		for key, values := range extra {
			req.Header.Del(key)
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &listsync.FetchError{URL: requestURL, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &listsync.FetchError{URL: requestURL, Err: readErr}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("page request rejected", "url", requestURL, "status", resp.StatusCode)
		return nil, &listsync.FetchError{URL: requestURL, StatusCode: resp.StatusCode, Err: errorPayload(payload)}
	}

	rows, err := decodeRows(payload)
	if err != nil {
		return nil, &listsync.FetchError{URL: requestURL, StatusCode: resp.StatusCode, Err: err}
	}
	items, err := c.parse(rows)
	if err != nil {
		return nil, &listsync.FetchError{URL: requestURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("parse rows: %w", err)}
	}
	c.logger.Debug("page fetched", "url", requestURL, "rows", len(items))
	return items, nil
}

// errorPayload extracts a {code, message} error body when there is one.
func errorPayload(payload []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || (body.Code == "" && body.Message == "") {
		return nil
	}
	if body.Code == "" {
		return errors.New(body.Message)
	}
	return fmt.Errorf("%s: %s", body.Code, body.Message)
}

// DefaultParser decodes each row as an object and renders its id as a
// string.
func DefaultParser(rows []json.RawMessage) ([]listsync.Item, error) {
	items := make([]listsync.Item, 0, len(rows))
	for i, row := range rows {
		dec := json.NewDecoder(bytes.NewReader(row))
		dec.UseNumber()
		var item listsync.Item
		if err := dec.Decode(&item); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if _, ok := item["id"]; ok {
			item["id"] = item.ID()
		}
		items = append(items, item)
	}
	return items, nil
}

// QueryURLBuilder appends pageSize and, after the first page, the JSON
// encoded startKey to base as query parameters.
func QueryURLBuilder(base string) (URLBuilder, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, &listsync.ConfigError{Field: "URL", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &listsync.ConfigError{Field: "URL", Reason: "must be an http or https url"}
	}
	return func(pageSize int, startKey any) (string, error) {
		u := *parsed
		q := u.Query()
		q.Set("pageSize", strconv.Itoa(pageSize))
		if startKey != nil {
			encoded, err := json.Marshal(collate.Normalize(startKey))
			if err != nil {
				return "", err
			}
			q.Set("startKey", string(encoded))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}, nil
}

// BearerToken sends a fixed bearer token.
func BearerToken(token string) HeadersProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (http.Header, error) {
		h := http.Header{}
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
		return h, nil
	}
}

func correlationID() string {
	return "relaylist_" + uuid.NewString()
}
