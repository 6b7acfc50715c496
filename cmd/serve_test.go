package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facture-cli/internal/learning"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/monitoring"
	"github.com/sells-group/facture-cli/internal/pipeline"
	"github.com/sells-group/facture-cli/internal/store"
)

type mockExtraction struct{ mock.Mock }

func (m *mockExtraction) Extract(ctx context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExtractionResponse), args.Error(1)
}

type mockLearning struct{ mock.Mock }

func (m *mockLearning) Learn(ctx context.Context, req model.LearnRequest) (*model.LearnSummary, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LearnSummary), args.Error(1)
}

type fakeRecords struct {
	extractions map[string]*model.ExtractionRecord
	invoices    map[string]*model.Invoice
	err         error
}

func (f *fakeRecords) GetExtraction(_ context.Context, id string) (*model.ExtractionRecord, error) {
	return f.extractions[id], f.err
}

func (f *fakeRecords) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	return f.invoices[id], f.err
}

func (f *fakeRecords) Ping(context.Context) error { return f.err }

func (f *fakeRecords) ListExtractions(context.Context, store.ExtractionFilter) ([]model.ExtractionRecord, error) {
	var out []model.ExtractionRecord
	for _, r := range f.extractions {
		out = append(out, *r)
	}
	return out, f.err
}

func (f *fakeRecords) CountCorrections(context.Context, time.Time) (int, error) { return 2, f.err }

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestRouter_Health(t *testing.T) {
	rr := doRequest(t, buildRouter(routerDeps{Records: &fakeRecords{}}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decodeBody(t, rr)["status"])
}

func TestRouter_HealthStoreDown(t *testing.T) {
	rr := doRequest(t, buildRouter(routerDeps{Records: &fakeRecords{err: errors.New("conn refused")}}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Extract(t *testing.T) {
	ex := new(mockExtraction)
	req := model.ExtractionRequest{FactureID: "F-1", FileURL: "https://files/f1.pdf"}
	ex.On("Extract", mock.Anything, req).Return(&model.ExtractionResponse{
		ExtractionID:       "ex-1",
		ExtractedData:      model.InvoiceRecord{Fournisseur: model.Ptr("EDF")},
		Confidence:         model.ResponseConfidence{Global: 0.85, PerField: map[string]float64{"fournisseur": 0.92}},
		RequiresValidation: false,
	}, nil)

	rr := doRequest(t, buildRouter(routerDeps{Extractor: ex}), http.MethodPost, "/extract", req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp model.ExtractionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ex-1", resp.ExtractionID)
	assert.Equal(t, 0.85, resp.Confidence.Global)
	assert.Equal(t, "EDF", resp.ExtractedData.Supplier())
	ex.AssertExpectations(t)
}

func TestRouter_ExtractErrorKinds(t *testing.T) {
	tests := []struct {
		kind   pipeline.Kind
		status int
	}{
		{pipeline.KindInvalidInput, http.StatusBadRequest},
		{pipeline.KindDownloadFailure, http.StatusBadRequest},
		{pipeline.KindNoTextExtracted, http.StatusBadRequest},
		{pipeline.KindOCRFailure, http.StatusInternalServerError},
		{pipeline.KindLLMFailure, http.StatusBadGateway},
		{pipeline.KindPersistenceFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ex := new(mockExtraction)
			ex.On("Extract", mock.Anything, mock.Anything).
				Return(nil, &pipeline.Error{Kind: tt.kind, FactureID: "F-1", Err: errors.New("boom")})

			rr := doRequest(t, buildRouter(routerDeps{Extractor: ex}), http.MethodPost, "/extract",
				model.ExtractionRequest{FactureID: "F-1", FileURL: "u"})
			assert.Equal(t, tt.status, rr.Code)
			body := decodeBody(t, rr)
			assert.Equal(t, string(tt.kind), body["kind"])
			assert.Contains(t, body["error"], "boom")
		})
	}
}

func TestRouter_ExtractBadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	buildRouter(routerDeps{Extractor: new(mockExtraction)}).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, rr)["kind"])
}

func TestRouter_ExtractUnavailable(t *testing.T) {
	rr := doRequest(t, buildRouter(routerDeps{}), http.MethodPost, "/extract", model.ExtractionRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Learn(t *testing.T) {
	lr := new(mockLearning)
	req := model.LearnRequest{
		ExtractionID: "ex-1",
		FactureID:    "F-1",
		Corrections:  map[string]model.Correction{"pdl": {Extracted: "1234", Corrected: "12345678901234"}},
	}
	lr.On("Learn", mock.Anything, mock.MatchedBy(func(r model.LearnRequest) bool {
		return r.FactureID == "F-1" && r.Corrections["pdl"].Corrected == "12345678901234"
	})).Return(&model.LearnSummary{
		Status:          "success",
		Message:         "Learned from 1 corrections",
		CorrectedCount:  1,
		PatternsUpdated: 1,
	}, nil)

	rr := doRequest(t, buildRouter(routerDeps{Learner: lr}), http.MethodPost, "/learn", req)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Learned from 1 corrections", body["message"])
	assert.Equal(t, float64(1), body["corrected_count"])
	lr.AssertExpectations(t)
}

func TestRouter_LearnErrors(t *testing.T) {
	lr := new(mockLearning)
	lr.On("Learn", mock.Anything, mock.MatchedBy(func(r model.LearnRequest) bool { return r.FactureID == "" })).
		Return(nil, learning.ErrInvalidRequest)
	lr.On("Learn", mock.Anything, mock.Anything).Return(nil, errors.New("insert corrections: db down"))
	router := buildRouter(routerDeps{Learner: lr})

	rr := doRequest(t, router, http.MethodPost, "/learn", model.LearnRequest{ExtractionID: "ex-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, rr)["kind"])

	rr = doRequest(t, router, http.MethodPost, "/learn", model.LearnRequest{ExtractionID: "ex-1", FactureID: "F-1"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "persistence_failure", decodeBody(t, rr)["kind"])
}

func TestRouter_GetExtractionAndInvoice(t *testing.T) {
	recs := &fakeRecords{
		extractions: map[string]*model.ExtractionRecord{"ex-1": {ID: "ex-1", FactureID: "F-1", Blended: 0.85}},
		invoices:    map[string]*model.Invoice{"F-1": {ID: "F-1", Fournisseur: "EDF", Status: model.InvoiceStatusPending}},
	}
	router := buildRouter(routerDeps{Records: recs})

	rr := doRequest(t, router, http.MethodGet, "/extractions/ex-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "F-1", decodeBody(t, rr)["facture_id"])

	rr = doRequest(t, router, http.MethodGet, "/invoices/F-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "en_attente_validation", decodeBody(t, rr)["statut_extraction"])

	rr = doRequest(t, router, http.MethodGet, "/extractions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = doRequest(t, router, http.MethodGet, "/invoices/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	recs := &fakeRecords{extractions: map[string]*model.ExtractionRecord{
		"a": {ID: "a", Blended: 0.9, CreatedAt: time.Now().UTC()},
		"b": {ID: "b", Blended: 0.5, Degraded: true, DegradedReason: "no_json", CreatedAt: time.Now().UTC()},
	}}
	router := buildRouter(routerDeps{Metrics: monitoring.NewCollector(recs, 0.8)})

	rr := doRequest(t, router, http.MethodGet, "/metrics?lookback_hours=6", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["extraction_total"])
	assert.Equal(t, float64(1), body["extraction_degraded"])
	assert.Equal(t, float64(6), body["lookback_hours"])
	assert.Equal(t, float64(2), body["corrections"])

	rr = doRequest(t, router, http.MethodGet, "/metrics?lookback_hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_CORS(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/extract", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	buildRouter(routerDeps{AllowedOrigins: []string{"https://app.example.com"}}).ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
