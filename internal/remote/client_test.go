package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaylist/internal/docstore"
	"github.com/agentworkforce/relaylist/internal/listsync"
)

func newTestClient(t *testing.T, server *httptest.Server, opts Options) *Client {
	t.Helper()
	if opts.URLBuilder == nil {
		builder, err := QueryURLBuilder(server.URL + "/rows")
		if err != nil {
			t.Fatalf("build url builder: %v", err)
		}
		opts.URLBuilder = builder
	}
	opts.HTTPClient = server.Client()
	client, err := NewClient(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientFetchPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rows" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("pageSize"); got != "2" {
			t.Errorf("expected pageSize 2, got %q", got)
		}
		if got := r.URL.Query().Get("startKey"); got != `"b"` {
			t.Errorf("expected JSON encoded startKey, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "relaylist_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows":[{"id":7,"title":"seven"},{"id":"c","rank":12345678901234567890}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{Headers: BearerToken("secret")})
	items, err := client.FetchPage(context.Background(), 2, "b")
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if id, ok := items[0]["id"].(string); !ok || id != "7" {
		t.Fatalf("expected numeric id rendered as string, got %#v", items[0]["id"])
	}
	if _, ok := items[1]["rank"].(json.Number); !ok {
		t.Fatalf("expected numbers decoded as json.Number, got %T", items[1]["rank"])
	}
}

func TestClientFirstPageOmitsStartKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("startKey") {
			t.Errorf("expected no startKey on first page, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	items, err := client.FetchPage(context.Background(), 20, nil)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(items))
	}
}

func TestClientDoesNotRetryFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable","message":"try later"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	_, err := client.FetchPage(context.Background(), 5, nil)
	if !errors.Is(err, listsync.ErrRemoteFetch) {
		t.Fatalf("expected remote fetch error, got %v", err)
	}
	var fetchErr *listsync.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fetchErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", fetchErr.StatusCode)
	}
	if fetchErr.Err == nil || fetchErr.Err.Error() != "unavailable: try later" {
		t.Fatalf("expected error payload to be kept, got %v", fetchErr.Err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientRejectsMalformedPages(t *testing.T) {
	bodies := map[string]string{
		"missing rows":   `{"items":[]}`,
		"rows not array": `{"rows":{"id":"a"}}`,
		"row not object": `{"rows":["a"]}`,
		"not json":       `<html>`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			client := newTestClient(t, server, Options{})
			_, err := client.FetchPage(context.Background(), 5, nil)
			if !errors.Is(err, listsync.ErrRemoteFetch) {
				t.Fatalf("expected remote fetch error, got %v", err)
			}
		})
	}
}

func TestClientHeaderFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{
		Headers: func(context.Context) (http.Header, error) {
			return nil, errors.New("token expired")
		},
	})
	_, err := client.FetchPage(context.Background(), 5, nil)
	if !errors.Is(err, listsync.ErrRemoteFetch) || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("expected header failure as fetch error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request without headers, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientCustomParser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows":[{"uuid":"u1"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{
		Parser: func(rows []json.RawMessage) ([]listsync.Item, error) {
			items, err := DefaultParser(rows)
			for _, item := range items {
				item["id"] = item["uuid"]
			}
			return items, err
		},
	})
	items, err := client.FetchPage(context.Background(), 5, nil)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if items[0].ID() != "u1" {
		t.Fatalf("expected parser to map uuid to id, got %q", items[0].ID())
	}
}

func TestClientRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{RequestsPerSecond: 20})
	started := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.FetchPage(context.Background(), 1, nil); err != nil {
			t.Fatalf("fetch page: %v", err)
		}
	}
	if elapsed := time.Since(started); elapsed < 80*time.Millisecond {
		t.Fatalf("expected requests to be paced, took %s", elapsed)
	}
}

func TestNewClientValidatesOptions(t *testing.T) {
	if _, err := NewClient(Options{}); !errors.Is(err, listsync.ErrConfiguration) {
		t.Fatalf("expected configuration error without url builder, got %v", err)
	}
	if _, err := QueryURLBuilder("ftp://example.test/rows"); !errors.Is(err, listsync.ErrConfiguration) {
		t.Fatalf("expected configuration error for ftp url, got %v", err)
	}
}

func TestQueryURLBuilderKeepsExistingQuery(t *testing.T) {
	builder, err := QueryURLBuilder("https://api.example.test/v1/rows?filter=open")
	if err != nil {
		t.Fatalf("query url builder: %v", err)
	}
	got, err := builder(10, 2.5)
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	want := "https://api.example.test/v1/rows?filter=open&pageSize=10&startKey=2.5"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestClientDrivesLoader(t *testing.T) {
	rows := []string{`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := []string{}
		start := ""
		if raw := r.URL.Query().Get("startKey"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &start)
		}
		for _, row := range rows {
			var decoded struct{ ID string }
			_ = json.Unmarshal([]byte(row), &decoded)
			if decoded.ID > start && len(out) < 2 {
				out = append(out, row)
			}
		}
		_, _ = w.Write([]byte(`{"rows":[` + strings.Join(out, ",") + `]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Options{})
	loader, err := listsync.NewLoader(listsync.Config{
		PageSize: 2,
		Store:    docstore.NewMemoryStore(),
		Fetcher:  client,
	})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := loader.LoadNextPage(context.Background()); err != nil {
			t.Fatalf("load page %d: %v", i, err)
		}
	}
	items := loader.Items()
	if len(items) != 3 || items[2].ID() != "c" {
		t.Fatalf("expected a, b, c, got %v", items)
	}
}
