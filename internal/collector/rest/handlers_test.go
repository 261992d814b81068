package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	findings    []storage.Finding
	findingsErr error
	scanners    []storage.Scanner
	scannersErr error
}

func (m *mockStore) QueryFindings(_ context.Context, _ storage.FindingQuery) ([]storage.Finding, error) {
	return m.findings, m.findingsErr
}

func (m *mockStore) ListScanners(_ context.Context) ([]storage.Scanner, error) {
	return m.scanners, m.scannersErr
}

// newTestServer creates a Server backed by the mock store and returns its
// HTTP handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/findings ----------------------------------------------------

func TestHandleGetFindings_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFindings_MissingTo_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFindings_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=not-a-date&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFindings_ToBeforeFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFindings_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFindings_ValidRange_Returns200WithResults(t *testing.T) {
	ms := &mockStore{findings: []storage.Finding{
		{ScannerID: "s1", DetectorTag: "entropy-diff", CodeAddress: 0x1000},
	}}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []storage.Finding
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON array: %v", err)
	}
	if len(got) != 1 || got[0].DetectorTag != "entropy-diff" {
		t.Errorf("got %+v, want one entropy-diff finding", got)
	}
}

func TestHandleGetFindings_NilResult_ReturnsEmptyArrayNotNull(t *testing.T) {
	h := newTestServer(&mockStore{findings: nil})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Body.String() != "[]\n" {
		t.Errorf("expected literal empty JSON array, got %q", rec.Body.String())
	}
}

func TestHandleGetFindings_StoreError_Returns500(t *testing.T) {
	ms := &mockStore{findingsErr: context.DeadlineExceeded}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/findings?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// ---- GET /api/v1/scanners -----------------------------------------------------

func TestHandleGetScanners_Returns200WithResults(t *testing.T) {
	ms := &mockStore{scanners: []storage.Scanner{{ScannerID: "s1", Hostname: "host-a"}}}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scanners", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []storage.Scanner
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON array: %v", err)
	}
	if len(got) != 1 || got[0].Hostname != "host-a" {
		t.Errorf("got %+v, want one scanner host-a", got)
	}
}

func TestHandleGetScanners_StoreError_Returns500(t *testing.T) {
	ms := &mockStore{scannersErr: context.DeadlineExceeded}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scanners", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
