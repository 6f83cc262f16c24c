package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/analyze"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// fakeAnalyzer records requests and answers from canned values.
type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []analyze.Request
	policies []string

	err     error
	records map[string]*domain.AggregatedRecord
	loadErr error
	offline bool
}

func (f *fakeAnalyzer) record(req analyze.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeAnalyzer) last() analyze.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req analyze.Request) (*analyze.Response, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	return &analyze.Response{
		RequestID: req.RequestID,
		Results: []domain.CanonicalResult{
			{Provider: "azure", Status: domain.OutcomeSuccess, Caption: "A", Tags: []string{"x"}},
			{Provider: "bedrock", Status: domain.OutcomeError, Tags: []string{}, Error: "fatal_status: upstream status 400"},
		},
	}, nil
}

func (f *fakeAnalyzer) Route(_ context.Context, req analyze.Request, policy string) (*analyze.RouteResponse, error) {
	f.record(req)
	f.mu.Lock()
	f.policies = append(f.policies, policy)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &analyze.RouteResponse{
		RequestID: req.RequestID,
		Chosen:    "azure:gpt-4o-mini",
		Reason:    "policy=cost selected azure (gpt-4o-mini)",
		Result:    domain.CanonicalResult{Provider: "azure", Caption: "routed", Tags: []string{}},
	}, nil
}

func (f *fakeAnalyzer) Result(_ context.Context, id string) (*domain.AggregatedRecord, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAnalyzer) Providers() []string { return []string{"azure", "bedrock"} }

func (f *fakeAnalyzer) Real() bool { return !f.offline }

func newTestServer(svc Analyzer, opts ...Option) *Server {
	return New(0, slog.New(slog.NewTextHandler(io.Discard, nil)), svc, opts...)
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeAnalyzer{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[HealthResponse](t, rec)
	if !got.OK || !got.Real || strings.Join(got.Providers, ",") != "azure,bedrock" {
		t.Errorf("health = %+v", got)
	}

	rec = do(t, newTestServer(&fakeAnalyzer{offline: true}), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := decode[HealthResponse](t, rec); got.Real {
		t.Errorf("offline health = %+v, want real=false", got)
	}
}

func TestAnalyze_RawBody(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze?source=cam-7", bytes.NewReader([]byte("jpeg-bytes")))
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set(RequestIDHeader, "caller-key-1")
	rec := do(t, s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[analyze.Response](t, rec)
	if got.RequestID != "caller-key-1" || len(got.Results) != 2 {
		t.Errorf("response = %+v", got)
	}
	if got.Results[1].Error == "" || got.Results[1].Caption != "" {
		t.Errorf("second entry should carry only an error: %+v", got.Results[1])
	}

	sent := svc.last()
	if string(sent.Image) != "jpeg-bytes" || sent.Source != "cam-7" {
		t.Errorf("service got %+v", sent)
	}
	if rec.Header().Get(RequestIDHeader) != "caller-key-1" {
		t.Errorf("X-Request-ID = %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestAnalyze_Multipart(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "photo.png")
	part.Write([]byte("png-bytes"))
	mw.WriteField("source", "upload")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analyze?request_id=q-key", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	sent := svc.last()
	if string(sent.Image) != "png-bytes" || sent.Source != "upload" || sent.RequestID != "q-key" {
		t.Errorf("service got %+v", sent)
	}
}

func TestAnalyze_MultipartMissingFile(t *testing.T) {
	s := newTestServer(&fakeAnalyzer{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("source", "upload")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, s, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnalyze_JSONImageURL(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze",
		strings.NewReader(`{"image_url":"https://images.example.com/cat.jpg","source":"catalog","request_id":"json-key"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := do(t, s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	sent := svc.last()
	if sent.ImageURL != "https://images.example.com/cat.jpg" || sent.Source != "catalog" || sent.RequestID != "json-key" {
		t.Errorf("service got %+v", sent)
	}
}

func TestAnalyze_JSONDataURI(t *testing.T) {
	dataURIBody := func(n int) io.Reader {
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x89}, n))
		return strings.NewReader(`{"image_url":"` + uri + `"}`)
	}

	t.Run("within upload limit", func(t *testing.T) {
		svc := &fakeAnalyzer{}
		s := newTestServer(svc, WithMaxUpload(2<<20))

		req := httptest.NewRequest(http.MethodPost, "/api/analyze", dataURIBody(1<<20))
		req.Header.Set("Content-Type", "application/json")
		rec := do(t, s, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %.200s", rec.Code, rec.Body)
		}
		if !strings.HasPrefix(svc.last().ImageURL, "data:image/png;base64,") {
			t.Errorf("ImageURL = %.40q", svc.last().ImageURL)
		}
	})

	t.Run("over upload limit", func(t *testing.T) {
		svc := &fakeAnalyzer{}
		s := newTestServer(svc, WithMaxUpload(2<<20))

		req := httptest.NewRequest(http.MethodPost, "/api/analyze", dataURIBody(3<<20))
		req.Header.Set("Content-Type", "application/json")
		rec := do(t, s, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
		if len(svc.requests) != 0 {
			t.Error("oversized body should not reach the analyzer")
		}
	})
}

func TestAnalyze_GeneratesRequestID(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc)

	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("img")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	id := svc.last().RequestID
	if !strings.HasPrefix(id, "req-") {
		t.Errorf("RequestID = %q, want req- prefix", id)
	}
	if rec.Header().Get(RequestIDHeader) != id {
		t.Errorf("header %q does not match %q", rec.Header().Get(RequestIDHeader), id)
	}
}

func TestAnalyze_BodyReadStopsPastLimit(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc, WithMaxUpload(16))

	do(t, s, httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(make([]byte, 1000))))
	if n := len(svc.last().Image); n != 17 {
		t.Errorf("read %d bytes, want limit+1", n)
	}
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"too large", domain.ErrPayloadTooLarge(10, 5), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"invalid", domain.ErrInvalidImage(errors.New("bad magic")), http.StatusBadRequest, "invalid_image"},
		{"config", domain.ErrConfig("no routing"), http.StatusInternalServerError, "config"},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeAnalyzer{err: tt.err})
			rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("img")))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var body struct {
				Error struct {
					Kind string `json:"kind"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", body.Error.Kind, tt.kind)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	svc := &fakeAnalyzer{}
	s := newTestServer(svc)

	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/route?policy=quality", strings.NewReader("img")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[analyze.RouteResponse](t, rec)
	if got.Chosen != "azure:gpt-4o-mini" || got.Result.Caption != "routed" {
		t.Errorf("route = %+v", got)
	}
	if svc.policies[0] != "quality" {
		t.Errorf("policy = %q", svc.policies[0])
	}
}

func TestResult(t *testing.T) {
	stored := &domain.AggregatedRecord{
		RequestID: "req-1",
		Results:   []domain.CanonicalResult{{Provider: "azure", Caption: "A", Tags: []string{}}},
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	svc := &fakeAnalyzer{records: map[string]*domain.AggregatedRecord{"req-1": stored}}
	s := newTestServer(svc)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/result/req-1", nil))
	got := decode[ResultResponse](t, rec)
	if !got.Found || got.Item == nil || got.Item.Results[0].Caption != "A" {
		t.Errorf("found = %+v", got)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/result/req-404", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a missing record", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"found":false}` {
		t.Errorf("body = %s", rec.Body)
	}

	svc.loadErr = errors.New("redis down")
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/result/req-1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 on store failure", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !strings.HasPrefix(seen, "req-") {
		t.Errorf("oversized caller ID should be replaced, got %q", seen)
	}

	if GetRequestID(context.Background()) != "" {
		t.Error("GetRequestID on a bare context should be empty")
	}
}

func TestLoggingMiddleware_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "chosen", "azure:gpt-4o-mini")
		AddLogField(r.Context(), "ignored", "")
		AddError(r.Context(), errors.New("partial failure"))
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/route", nil)
	req.Header.Set(RequestIDHeader, "log-key")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "request completed" || entry["request_id"] != "log-key" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["bytes"] != float64(5) {
		t.Errorf("status/bytes = %v/%v", entry["status"], entry["bytes"])
	}
	if entry["chosen"] != "azure:gpt-4o-mini" || entry["error"] != "partial failure" {
		t.Errorf("fields = %v", entry)
	}
	if _, ok := entry["ignored"]; ok {
		t.Error("empty fields should be dropped")
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > time.Minute {
		t.Errorf("deadline = %v, %v", deadline, ok)
	}

	handler = TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Error("zero timeout should not set a deadline")
	}
}
