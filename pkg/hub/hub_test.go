package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/localstore/pkg/backend/memory"
	"github.com/vango-dev/localstore/pkg/localstore"
)

func newTestHub(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	origin := memory.NewOrigin()
	t.Cleanup(func() { origin.Close() })
	return newTestHubOn(t, origin, opts...)
}

func newTestHubOn(t *testing.T, storage localstore.Storage, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(storage, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func put(t *testing.T, ts *httptest.Server, key, body, source string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, ts.URL+PathEntry+"?key="+key, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if source != "" {
		req.Header.Set(HeaderSource, source)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func dial(t *testing.T, ts *httptest.Server, source string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + PathWatch + "?source=" + source
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if f := readFrame(t, conn); f.Type != FrameReady {
		t.Fatalf("first frame = %+v, want ready", f)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestEntryRoutes(t *testing.T) {
	_, ts := newTestHub(t)

	t.Run("missing entry", func(t *testing.T) {
		resp, err := http.Get(ts.URL + PathEntry + "?key=nope")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		resp, err := http.Get(ts.URL + PathEntry)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		var body ErrorBody
		json.NewDecoder(resp.Body).Decode(&body)
		if body.Code != "LS010" {
			t.Errorf("code = %q, want LS010", body.Code)
		}
	})

	t.Run("put then get", func(t *testing.T) {
		if resp := put(t, ts, "k", `{"a":1}`, ""); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("PUT status = %d, want 204", resp.StatusCode)
		}
		resp, err := http.Get(ts.URL + PathEntry + "?key=k")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || string(data) != `{"a":1}` {
			t.Errorf("GET = %d %q", resp.StatusCode, data)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if resp := put(t, ts, "k", "", ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(ts.URL + PathHealth)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if string(data) != "ok" {
			t.Errorf("body = %q", data)
		}
	})
}

func TestBodyLimit(t *testing.T) {
	_, ts := newTestHub(t, WithMaxBodyBytes(8))
	if resp := put(t, ts, "k", `{"long":"value"}`, ""); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestBroadcastSkipsWriter(t *testing.T) {
	_, ts := newTestHub(t, WithPingInterval(0))

	a := dial(t, ts, "a")
	b := dial(t, ts, "b")

	put(t, ts, "k", `{"n":1}`, "a")
	got := readFrame(t, b)
	want := Frame{Type: FrameChange, Key: "k", NewValue: `{"n":1}`, Source: "a"}
	if got != want {
		t.Errorf("b received %+v, want %+v", got, want)
	}

	put(t, ts, "k", `{"n":2}`, "b")
	// a's first change frame is b's write, not its own.
	got = readFrame(t, a)
	want = Frame{Type: FrameChange, Key: "k", OldValue: `{"n":1}`, NewValue: `{"n":2}`, Source: "b"}
	if got != want {
		t.Errorf("a received %+v, want %+v", got, want)
	}
}

func TestCloseDisconnectsWatchers(t *testing.T) {
	srv, ts := newTestHub(t, WithPingInterval(0))
	conn := dial(t, ts, "a")

	if n := srv.WatcherCount(); n != 1 {
		t.Fatalf("WatcherCount = %d, want 1", n)
	}

	srv.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}

	resp, err := http.Get(ts.URL + PathWatch)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("watch after Close = %d, want 503", resp.StatusCode)
	}
}

type failingStorage struct{}

func (failingStorage) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (failingStorage) SetItem(context.Context, string, string) error {
	return errors.New("disk on fire")
}

func TestStorageFailures(t *testing.T) {
	srv, ts := newTestHubOn(t, failingStorage{})

	resp, err := http.Get(ts.URL + PathEntry + "?key=k")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("GET status = %d, want 502", resp.StatusCode)
	}
	if resp := put(t, ts, "k", "{}", ""); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("PUT status = %d, want 502", resp.StatusCode)
	}

	if got := testutil.ToFloat64(srv.metrics.storageErrors.WithLabelValues("get")); got != 2 {
		t.Errorf("storage_errors_total{op=get} = %v, want 2", got)
	}
}

func TestMetrics(t *testing.T) {
	srv, ts := newTestHub(t, WithPingInterval(0))

	dial(t, ts, "a")
	put(t, ts, "k", "{}", "b")
	put(t, ts, "k", `{"x":1}`, "b")

	if got := testutil.ToFloat64(srv.metrics.requestsTotal.WithLabelValues("entry.put", "204")); got != 2 {
		t.Errorf("requests_total{entry.put,204} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(srv.metrics.writesTotal); got != 2 {
		t.Errorf("writes_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(srv.metrics.eventsBroadcast); got != 2 {
		t.Errorf("events_broadcast_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(srv.metrics.watchers); got != 1 {
		t.Errorf("watchers = %v, want 1", got)
	}

	resp, err := http.Get(ts.URL + PathMetrics)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "localstore_hub_writes_total 2") {
		t.Errorf("/metrics missing writes_total:\n%s", data)
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	_, ts := newTestHub(t, WithMetricsEndpoint(false))
	resp, err := http.Get(ts.URL + PathMetrics)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

type recordedSpan struct {
	name  string
	attrs []attribute.KeyValue
}

type recordingProvider struct {
	noop.TracerProvider

	mu    sync.Mutex
	spans []recordedSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{p: p}
}

func (p *recordingProvider) all() []recordedSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedSpan(nil), p.spans...)
}

type recordingTracer struct {
	noop.Tracer
	p *recordingProvider
}

func (t recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, recordedSpan{name: name, attrs: cfg.Attributes()})
	t.p.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func TestSpans(t *testing.T) {
	provider := &recordingProvider{}
	_, ts := newTestHub(t, WithTracerProvider(provider))

	put(t, ts, "settings", "{}", "")

	spans := provider.all()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].name != "localstore.entry.put" {
		t.Errorf("span name = %q", spans[0].name)
	}
	var key string
	for _, kv := range spans[0].attrs {
		if kv.Key == "localstore.key" {
			key = kv.Value.AsString()
		}
	}
	if key != "settings" {
		t.Errorf("localstore.key = %q, want settings", key)
	}
}
