package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identityrecon/internal/metrics"
	"identityrecon/internal/models"
	"identityrecon/internal/service"
	"identityrecon/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc := service.NewReconciliationService(store.NewMemory(nil), service.WithMetrics(metrics.New(reg)))
	return NewRouter(NewIdentifyHandler(svc, zap.NewNop()), reg, zap.NewNop())
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestIdentifyEndpoint(t *testing.T) {
	h := newTestRouter(t)

	rec := post(t, h, `{"email":"lorraine@hillvalley.edu","phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = post(t, h, `{"email":"mcfly@hillvalley.edu","phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	contact := raw["contact"]
	assert.EqualValues(t, 1, contact["primaryContatctId"])
	assert.Equal(t, []any{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, contact["emails"])
	assert.Equal(t, []any{"123456"}, contact["phoneNumbers"])
	assert.Equal(t, []any{float64(2)}, contact["secondaryContactIds"])
}

func TestIdentifyValidation(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"malformed json", `{"email":`, msgInvalidJSON},
		{"numeric phone", `{"phoneNumber":123456}`, msgInvalidTypes},
		{"object email", `{"email":{"a":1}}`, msgInvalidTypes},
		{"both missing", `{}`, msgMissingFields},
		{"both null", `{"email":null,"phoneNumber":null}`, msgMissingFields},
		{"both empty", `{"email":"","phoneNumber":""}`, msgMissingFields},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.msg, decodeError(t, rec))
		})
	}
}

type stubIdentifier struct {
	err error
}

func (s stubIdentifier) Identify(context.Context, models.IdentifyRequest) (*models.IdentifyResponse, error) {
	return nil, s.err
}

func TestIdentifyEngineFailure(t *testing.T) {
	storeErr := fmt.Errorf("%w: find matching contacts: %w", service.ErrStoreFailure, errors.New("connection refused"))
	h := NewRouter(NewIdentifyHandler(stubIdentifier{err: storeErr}, nil), nil, nil)

	rec := post(t, h, `{"email":"a@x.com"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, storeErr.Error(), decodeError(t, rec))
}

func TestIdentifyRejectsGet(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/identify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	h := NewRouter(NewIdentifyHandler(stubIdentifier{err: errors.New("down")}, nil), nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestIDPropagates(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t)
	post(t, h, `{"email":"a@x.com"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `identity_identify_requests_total{outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `identity_contacts_created_total{precedence="primary"} 1`)
}
