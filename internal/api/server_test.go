package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"bookmirror/config"
	"bookmirror/logger"
	"bookmirror/orderbook"
	"bookmirror/processor"
	"bookmirror/reader/coinbase"
	"bookmirror/writer"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                          "127.0.0.1:8080",
		"  :9090  ":                 "0.0.0.0:9090",
		"localhost":                 "localhost:8080",
		"0.0.0.0:80":                "0.0.0.0:80",
		"[::1]:443":                 "[::1]:443",
		"::1":                       "[::1]:8080",
		"*:8080":                    "0.0.0.0:8080",
		"http://10.0.0.5:8080":      "10.0.0.5:8080",
		"http://:7070":              "0.0.0.0:7070",
		"https://book.example.com/": "book.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	if srv := NewServer(config.APIConfig{}, Deps{}, logger.Logger()); srv != nil {
		t.Fatal("expected nil server when disabled")
	}
	var srv *Server
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run: %v", err)
	}
}

type stubFeed struct{}

func (stubFeed) Status() coinbase.Status {
	return coinbase.Status{State: "disconnected", Error: "read: EOF"}
}

type stubStats struct{}

func (stubStats) GetStats() processor.Stats { return processor.Stats{Snapshots: 1} }

type stubExporter struct {
	err   error
	depth orderbook.Depth
}

func (s *stubExporter) Export(_ context.Context, instrument string, depth orderbook.Depth) (writer.ExportResult, error) {
	if s.err != nil {
		return writer.ExportResult{}, s.err
	}
	s.depth = depth
	return writer.ExportResult{ID: "x", Location: "exports/" + instrument, Rows: len(depth.Bids) + len(depth.Asks), CapturedAt: time.Now()}, nil
}

func level(t *testing.T, price, size string) orderbook.Level {
	t.Helper()
	p, err := orderbook.ParsePrice(price)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	s, err := orderbook.ParseSize(size)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	return orderbook.Level{Price: p, Size: s}
}

func newTestRouter(t *testing.T, exp BookExporter) (*gin.Engine, *orderbook.Shared) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	book := orderbook.NewShared()
	book.WithWrite(func(b *orderbook.Book) {
		b.ReplaceFull(
			[]orderbook.Level{level(t, "100", "1"), level(t, "99", "3")},
			[]orderbook.Level{level(t, "101", "2")},
		)
	})
	srv := NewServer(config.APIConfig{Enabled: true, DefaultDepth: 1}, Deps{
		Instrument: "BTC-USD",
		Book:       book,
		Feed:       stubFeed{},
		Applier:    stubStats{},
		Exporter:   exp,
	}, logger.Logger())
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	return router, book
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: invalid json %q", method, path, rec.Body.String())
	}
	return rec.Code, body
}

func TestBookEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	code, body := do(t, router, http.MethodGet, "/v1/book/best")
	if code != http.StatusOK {
		t.Fatalf("best status %d", code)
	}
	bid := body["bid"].(map[string]interface{})
	if bid["price"] != "100" || body["ask"].(map[string]interface{})["size"] != "2" {
		t.Fatalf("unexpected best: %v", body)
	}

	code, body = do(t, router, http.MethodGet, "/v1/book/mid")
	if code != http.StatusOK || body["mid"] != "100.5" {
		t.Fatalf("mid: %d %v", code, body)
	}

	code, body = do(t, router, http.MethodGet, "/v1/book/spread")
	if code != http.StatusOK {
		t.Fatalf("spread status %d", code)
	}
	if got := body["spread"].(float64); got < 0.0099 || got > 0.0100 {
		t.Fatalf("spread = %v", got)
	}

	// default depth is 1 level per side
	code, body = do(t, router, http.MethodGet, "/v1/book")
	if code != http.StatusOK || len(body["bids"].([]interface{})) != 1 {
		t.Fatalf("book: %d %v", code, body)
	}
	code, body = do(t, router, http.MethodGet, "/v1/book?depth=0")
	bids := body["bids"].([]interface{})
	if code != http.StatusOK || len(bids) != 2 || bids[0].(map[string]interface{})["price"] != "100" {
		t.Fatalf("full book: %d %v", code, body)
	}
	if code, _ := do(t, router, http.MethodGet, "/v1/book?depth=-1"); code != http.StatusBadRequest {
		t.Fatalf("negative depth status %d", code)
	}
}

func TestUndefinedQuantities(t *testing.T) {
	router, book := newTestRouter(t, nil)
	book.WithWrite(func(b *orderbook.Book) { b.ReplaceFull(nil, []orderbook.Level{level(t, "101", "2")}) })

	if code, _ := do(t, router, http.MethodGet, "/v1/book/mid"); code != http.StatusNotFound {
		t.Fatalf("mid status %d", code)
	}
	if code, _ := do(t, router, http.MethodGet, "/v1/book/spread"); code != http.StatusNotFound {
		t.Fatalf("spread status %d", code)
	}
	_, body := do(t, router, http.MethodGet, "/v1/book/best")
	if body["bid"] != nil {
		t.Fatalf("bid should be null: %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	code, body := do(t, router, http.MethodGet, "/v1/status")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	feed := body["feed"].(map[string]interface{})
	if feed["state"] != "disconnected" || feed["error"] != "read: EOF" {
		t.Fatalf("unexpected feed: %v", feed)
	}
	levels := body["levels"].(map[string]interface{})
	if levels["bids"].(float64) != 2 || levels["asks"].(float64) != 1 {
		t.Fatalf("unexpected levels: %v", levels)
	}
}

func TestExportEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	if code, _ := do(t, router, http.MethodPost, "/v1/export"); code != http.StatusServiceUnavailable {
		t.Fatalf("disabled export status %d", code)
	}

	exp := &stubExporter{}
	router, _ = newTestRouter(t, exp)
	code, body := do(t, router, http.MethodPost, "/v1/export")
	if code != http.StatusCreated || body["rows"].(float64) != 3 {
		t.Fatalf("export: %d %v", code, body)
	}
	if len(exp.depth.Bids) != 2 {
		t.Fatalf("export should receive the full book: %+v", exp.depth)
	}

	exp.err = errors.New("disk full")
	if code, _ := do(t, router, http.MethodPost, "/v1/export"); code != http.StatusInternalServerError {
		t.Fatalf("failed export status %d", code)
	}
}
