package deltafeed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaylist/internal/docstore"
	"github.com/agentworkforce/relaylist/internal/listsync"
)

type staticFetcher struct {
	rows []listsync.Item
	err  error
}

func (f *staticFetcher) FetchPage(_ context.Context, pageSize int, startKey any) ([]listsync.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []listsync.Item{}
	for _, row := range f.rows {
		if startKey != nil && row.ID() <= startKey.(string) {
			continue
		}
		if len(out) < pageSize {
			out = append(out, row)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, fetcher listsync.Fetcher, secret string) (*httptest.Server, *Broker) {
	t.Helper()
	store := docstore.NewMemoryStore()
	broker := NewBroker(16)
	registry, err := listsync.NewRegistry(listsync.RegistryOptions{
		Build: func(listID string) (*listsync.Loader, error) {
			return listsync.NewLoader(listsync.Config{ListID: listID, PageSize: 2, Store: store, Fetcher: fetcher})
		},
		OnSplice: broker.Publish,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	reg := prometheus.NewRegistry()
	if err := listsync.RegisterMetrics(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	server, err := NewServer(Config{Registry: registry, Broker: broker, JWTSecret: secret, Gatherer: reg})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return httpServer, broker
}

func abcFetcher() *staticFetcher {
	return &staticFetcher{rows: []listsync.Item{{"id": "a"}, {"id": "b"}, {"id": "c"}}}
}

func doRequest(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var payload map[string]any
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode body %q: %v", body, err)
		}
	}
	return resp, payload
}

func TestNextAndItems(t *testing.T) {
	server, _ := newTestServer(t, abcFetcher(), "")

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, payload)
	}
	if payload["count"].(float64) != 2 {
		t.Fatalf("expected first page of 2, got %v", payload)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a correlation id on the response")
	}

	_, payload = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", "")
	if payload["count"].(float64) != 1 {
		t.Fatalf("expected second page of 1, got %v", payload)
	}

	resp, payload = doRequest(t, http.MethodGet, server.URL+"/v1/lists/inbox/items", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	items := payload["items"].([]any)
	if len(items) != 3 || items[2].(map[string]any)["id"] != "c" {
		t.Fatalf("expected a, b, c, got %v", items)
	}

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/refresh", "")
	if resp.StatusCode != http.StatusOK || payload["length"].(float64) != 3 {
		t.Fatalf("expected refresh to report 3 entries, got %d %v", resp.StatusCode, payload)
	}
}

func TestFetchFailureEnvelope(t *testing.T) {
	server, _ := newTestServer(t, &staticFetcher{err: errors.New("connection refused")}, "")

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if payload["code"] != "remote_fetch_failed" {
		t.Fatalf("expected remote_fetch_failed code, got %v", payload)
	}
	if payload["correlationId"] == "" {
		t.Fatalf("expected correlation id in error envelope, got %v", payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, abcFetcher(), "")

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/v1/nope", "")
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "not_found" {
		t.Fatalf("expected not_found envelope, got %d %v", resp.StatusCode, payload)
	}
	resp, _ = doRequest(t, http.MethodGet, server.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, abcFetcher(), "")
	doRequest(t, http.MethodPost, server.URL+"/v1/lists/metered/next", "")

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "relaylist_engine_merges") {
		t.Fatalf("expected merge counter in metrics output")
	}
}

func TestDeltaStream(t *testing.T) {
	server, broker := newTestServer(t, abcFetcher(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/lists/inbox/deltas"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for broker.Subscribers("inbox") == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp, _ := doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var delta Delta
	if err := wsjson.Read(ctx, conn, &delta); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if delta.ListID != "inbox" || delta.Index != 0 || delta.Removed != 0 || len(delta.Inserted) != 2 {
		t.Fatalf("unexpected delta %+v", delta)
	}
}

func signToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	input := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	return input + "." + base64.RawURLEncoding.EncodeToString(sign(secret, input))
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	server, _ := newTestServer(t, abcFetcher(), secret)
	exp := time.Now().Add(time.Hour).Unix()

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %v", resp.StatusCode, payload)
	}

	otherList := signToken(t, secret, map[string]any{
		"sub": "agent", "aud": "relaylist", "exp": exp,
		"lists": []string{"archive"}, "scopes": []string{ScopeSync, ScopeRead},
	})
	resp, _ = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", otherList)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another list, got %d", resp.StatusCode)
	}

	readOnly := signToken(t, secret, map[string]any{
		"sub": "agent", "aud": "relaylist", "exp": exp,
		"lists": "*", "scopes": ScopeRead,
	})
	resp, payload = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", readOnly)
	if resp.StatusCode != http.StatusForbidden || !strings.Contains(payload["message"].(string), ScopeSync) {
		t.Fatalf("expected 403 missing sync scope, got %d %v", resp.StatusCode, payload)
	}
	resp, _ = doRequest(t, http.MethodGet, server.URL+"/v1/lists/inbox/items", readOnly)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected read scope to list items, got %d", resp.StatusCode)
	}

	expired := signToken(t, secret, map[string]any{
		"sub": "agent", "aud": "relaylist", "exp": time.Now().Add(-time.Minute).Unix(),
		"lists": "*", "scopes": ScopeSync,
	})
	resp, payload = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", expired)
	if resp.StatusCode != http.StatusUnauthorized || payload["message"] != "token expired" {
		t.Fatalf("expected expired token rejection, got %d %v", resp.StatusCode, payload)
	}

	forged := signToken(t, "other-secret", map[string]any{
		"sub": "agent", "aud": "relaylist", "exp": exp, "lists": "*", "scopes": ScopeSync,
	})
	resp, _ = doRequest(t, http.MethodPost, server.URL+"/v1/lists/inbox/next", forged)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected forged token rejection, got %d", resp.StatusCode)
	}
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	broker := NewBroker(1)
	sub := broker.Subscribe("l")
	broker.Publish("l", 0, 0, nil)
	broker.Publish("l", 1, 0, nil)

	if broker.Subscribers("l") != 0 {
		t.Fatalf("expected slow subscriber to be dropped")
	}
	first, ok := <-sub.C
	if !ok || first.Index != 0 || first.Inserted == nil {
		t.Fatalf("expected buffered delta before close, got %+v %v", first, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after drop")
	}
	sub.Close()
}
