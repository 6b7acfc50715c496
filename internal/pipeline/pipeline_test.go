package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facture-cli/internal/extract"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/ocr"
	"github.com/sells-group/facture-cli/internal/store"
)

type stubFetcher struct {
	files map[string][]byte
	err   error
}

func (f *stubFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[url]
	if !ok {
		return nil, errors.New("fetcher: GET " + url + ": status 404")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type stubPages struct {
	pages []ocr.Page
	isPDF bool
	err   error
}

func (s *stubPages) Pages(context.Context, []byte, string) ([]ocr.Page, bool, error) {
	return s.pages, s.isPDF, s.err
}

// pageEngine returns preset boxes keyed by page number.
type pageEngine struct {
	boxes map[int][]model.OcrBox
	err   error
}

func (e *pageEngine) Recognize(_ context.Context, p ocr.Page) ([]model.OcrBox, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.boxes[p.Number], nil
}

type stubPrompts struct {
	cfg model.PromptConfig
}

func (s stubPrompts) GetActivePrompt(context.Context) model.PromptConfig { return s.cfg }

type mockPatterns struct {
	mock.Mock
}

func (m *mockPatterns) GetPatterns(ctx context.Context, supplier string) ([]model.SupplierPattern, error) {
	args := m.Called(ctx, supplier)
	p, _ := args.Get(0).([]model.SupplierPattern)
	return p, args.Error(1)
}

func (m *mockPatterns) BuildFewShotContext(patterns []model.SupplierPattern, ocrText string) string {
	return m.Called(patterns, ocrText).String(0)
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, ocrText string, cfg model.PromptConfig, fewShot string, temperature float64) (extract.Result, error) {
	args := m.Called(ctx, ocrText, cfg, fewShot, temperature)
	return args.Get(0).(extract.Result), args.Error(1)
}

type recordingStore struct {
	mu      sync.Mutex
	records []*model.ExtractionRecord
	err     error
}

func (s *recordingStore) InsertExtraction(_ context.Context, rec *model.ExtractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type recordingQueue struct {
	tasks []UpdateTask
}

func (q *recordingQueue) Submit(t UpdateTask) bool {
	q.tasks = append(q.tasks, t)
	return true
}

type harness struct {
	fetcher   *stubFetcher
	pages     *stubPages
	engine    *pageEngine
	patterns  *mockPatterns
	extractor *mockExtractor
	store     *recordingStore
	queue     *recordingQueue
	pipeline  *Pipeline
}

var testPrompt = model.PromptConfig{Version: "v1.0", Template: "{ocr_text}", ModelName: "mistral:7b-instruct-q4_K_M"}

func newHarness() *harness {
	h := &harness{
		fetcher:   &stubFetcher{files: map[string][]byte{"https://files/f1.png": []byte("img")}},
		pages:     &stubPages{pages: []ocr.Page{{Number: 1, Data: []byte("img")}}},
		engine:    &pageEngine{boxes: map[int][]model.OcrBox{}},
		patterns:  new(mockPatterns),
		extractor: new(mockExtractor),
		store:     &recordingStore{},
		queue:     &recordingQueue{},
	}
	h.pipeline = New(Deps{
		Fetcher:   h.fetcher,
		Pages:     h.pages,
		OCR:       ocr.NewAdapter(h.engine, 1, 0),
		Prompts:   stubPrompts{cfg: testPrompt},
		Patterns:  h.patterns,
		Extractor: h.extractor,
		Records:   h.store,
		Updates:   h.queue,
	}, Options{Temperature: 0.1})
	return h
}

func scenarioARecord() model.InvoiceRecord {
	return model.InvoiceRecord{
		Fournisseur:  model.Ptr("EDF"),
		PrixTotalTTC: model.Ptr(120.5),
	}
}

func TestExtract_ScenarioA(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{
		{Text: "FACTURE", Confidence: 0.88},
		{Text: "EDF", Confidence: 0.92},
	}
	h.extractor.On("Extract", mock.Anything, "FACTURE\nEDF", testPrompt, "", 0.1).
		Return(extract.Result{Record: scenarioARecord(), Model: "mistral:7b-instruct-q4_K_M", Provider: "ollama"}, nil)

	resp, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{
		FactureID: "f1", FileURL: "https://files/f1.png",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"fournisseur": 0.92, "prix_total_ttc": 0.7}, resp.Confidence.PerField)
	assert.Equal(t, 0.85, resp.Confidence.Global)
	assert.False(t, resp.RequiresValidation)
	assert.Equal(t, model.ResponseOcrMetadata{TotalWords: 2, AvgConfidence: 0.9, TotalPages: 1}, resp.OcrMetadata)
	assert.Empty(t, resp.Degraded)

	require.Len(t, h.store.records, 1)
	rec := h.store.records[0]
	assert.Equal(t, resp.ExtractionID, rec.ID)
	assert.Equal(t, "v1.0", rec.ModelVersion)
	assert.InDelta(t, 0.846, rec.Blended, 1e-9)
	assert.Len(t, rec.OutputDigest, 64)
	assert.Equal(t, 0.0, rec.CostUSD)

	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	assert.Equal(t, "f1", task.FactureID)
	assert.Equal(t, rec.ID, task.ExtractionID)
	assert.InDelta(t, 0.846, task.Blended, 1e-9)
	assert.False(t, task.RequiresValidation)
	h.patterns.AssertNotCalled(t, "GetPatterns", mock.Anything, mock.Anything)
}

func TestExtract_ScenarioB_EmptySecondPage(t *testing.T) {
	h := newHarness()
	h.pages.isPDF = true
	h.pages.pages = []ocr.Page{{Number: 1}, {Number: 2}}
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF Total 120,50", Confidence: 0.8}}

	h.extractor.On("Extract", mock.Anything, "\n--- PAGE 1 ---\nEDF Total 120,50\n", testPrompt, "", 0.1).
		Return(extract.Result{Record: scenarioARecord()}, nil)

	resp, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{
		FactureID: "f1", FileURL: "https://files/f1.png",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.OcrMetadata.TotalPages)
	assert.Equal(t, 0.8, resp.OcrMetadata.AvgConfidence)
	assert.Equal(t, 3, resp.OcrMetadata.TotalWords)
	assert.Equal(t, 0.8, resp.Confidence.PerField["fournisseur"])
}

func TestExtract_AllPagesEmpty(t *testing.T) {
	h := newHarness()
	h.pages.isPDF = true
	h.pages.pages = []ocr.Page{{Number: 1}, {Number: 2}}

	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	require.Error(t, err)
	assert.Equal(t, KindNoTextExtracted, KindOf(err))
	assert.Empty(t, h.store.records)
	assert.Empty(t, h.queue.tasks)
	h.extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExtract_SingleImageWithoutText(t *testing.T) {
	h := newHarness()
	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindNoTextExtracted, KindOf(err))
}

func TestExtract_InvalidInput(t *testing.T) {
	h := newHarness()
	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: " ", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1"})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestExtract_DownloadFailure(t *testing.T) {
	h := newHarness()
	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/missing.pdf"})
	require.Error(t, err)
	assert.Equal(t, KindDownloadFailure, KindOf(err))
	assert.Equal(t, 400, HTTPStatus(KindOf(err)))
	assert.Contains(t, err.Error(), "facture f1")
}

func TestExtract_NoPages(t *testing.T) {
	h := newHarness()
	h.pages.err = ocr.ErrNoPages
	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestExtract_OCRFailure(t *testing.T) {
	h := newHarness()
	h.engine.err = errors.New("tesseract crashed")
	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindOCRFailure, KindOf(err))
	assert.Equal(t, 500, HTTPStatus(KindOf(err)))
}

func TestExtract_LLMFailureSavesNothing(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	h.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(extract.Result{}, extract.ErrLLM)

	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindLLMFailure, KindOf(err))
	assert.Equal(t, 502, HTTPStatus(KindOf(err)))
	assert.True(t, errors.Is(err, extract.ErrLLM))
	assert.Empty(t, h.store.records)
	assert.Empty(t, h.queue.tasks)
}

func TestExtract_DegradedIsNotAnError(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	h.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(extract.Parse("pas de JSON ici"), nil)

	resp, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	require.NoError(t, err)
	assert.Equal(t, "no_json", resp.Degraded)
	assert.Empty(t, resp.Confidence.PerField)
	assert.True(t, resp.RequiresValidation)

	require.Len(t, h.store.records, 1)
	assert.True(t, h.store.records[0].Degraded)
	assert.Equal(t, "no_json", h.store.records[0].DegradedReason)
	require.Len(t, h.queue.tasks, 1)
	assert.True(t, h.queue.tasks[0].Degraded)
}

func TestExtract_DegradedKeepsStoredInvoice(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "facture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertInvoice(ctx, &model.Invoice{
		ID:          "f1",
		Fournisseur: "EDF",
		Data:        scenarioARecord(),
		Status:      model.InvoiceStatusPending,
	}))

	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	h.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(extract.Parse("pas de JSON ici"), nil)
	q := NewUpdateQueue(st, QueueOptions{Workers: 2})
	q.Start(ctx)
	p := New(Deps{
		Fetcher:   h.fetcher,
		Pages:     h.pages,
		OCR:       ocr.NewAdapter(h.engine, 1, 0),
		Prompts:   stubPrompts{cfg: testPrompt},
		Patterns:  h.patterns,
		Extractor: h.extractor,
		Records:   st,
		Updates:   q,
	}, Options{Temperature: 0.1})

	resp, err := p.Extract(ctx, model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	require.NoError(t, err)
	require.NoError(t, q.Shutdown(ctx))

	inv, err := st.GetInvoice(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "EDF", inv.Fournisseur)
	require.NotNil(t, inv.Data.PrixTotalTTC)
	assert.Equal(t, 120.5, *inv.Data.PrixTotalTTC)
	assert.Equal(t, resp.ExtractionID, inv.ExtractionID)
	assert.True(t, inv.RequiresValidation)
}

func TestExtract_PersistenceFailure(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	h.store.err = errors.New("insert failed")
	h.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(extract.Result{Record: scenarioARecord()}, nil)

	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{FactureID: "f1", FileURL: "https://files/f1.png"})
	assert.Equal(t, KindPersistenceFailure, KindOf(err))
	assert.Empty(t, h.queue.tasks)
}

func TestExtract_SupplierHintAddsFewShot(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	patterns := []model.SupplierPattern{{FieldName: "pdl", ExampleValue: "123"}}
	h.patterns.On("GetPatterns", mock.Anything, "EDF").Return(patterns, nil)
	h.patterns.On("BuildFewShotContext", patterns, "EDF").Return("\n\nExemples")
	h.extractor.On("Extract", mock.Anything, "EDF", testPrompt, "\n\nExemples", 0.1).
		Return(extract.Result{Record: scenarioARecord()}, nil)

	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{
		FactureID: "f1", FileURL: "https://files/f1.png", SupplierHint: "EDF",
	})
	require.NoError(t, err)
	h.patterns.AssertExpectations(t)
	h.extractor.AssertExpectations(t)
}

func TestExtract_PatternErrorDropsFewShot(t *testing.T) {
	h := newHarness()
	h.engine.boxes[1] = []model.OcrBox{{Text: "EDF", Confidence: 0.9}}
	h.patterns.On("GetPatterns", mock.Anything, "EDF").Return(nil, errors.New("db down"))
	h.extractor.On("Extract", mock.Anything, "EDF", testPrompt, "", 0.1).
		Return(extract.Result{Record: scenarioARecord()}, nil)

	_, err := h.pipeline.Extract(context.Background(), model.ExtractionRequest{
		FactureID: "f1", FileURL: "https://files/f1.png", SupplierHint: "EDF",
	})
	require.NoError(t, err)
	h.patterns.AssertNotCalled(t, "BuildFewShotContext", mock.Anything, mock.Anything)
}

func TestDigest_Stable(t *testing.T) {
	a, err := Digest(scenarioARecord())
	require.NoError(t, err)
	b, err := Digest(scenarioARecord())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := scenarioARecord()
	other.PrixTotalTTC = model.Ptr(121.0)
	c, err := Digest(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.False(t, strings.ContainsAny(a, "ABCDEF"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))

	wrapped := errors.Join(errors.New("ctx"), newError(KindOCRFailure, "f", nil))
	assert.Equal(t, KindOCRFailure, KindOf(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindInvalidInput:       400,
		KindDownloadFailure:    400,
		KindNoTextExtracted:    400,
		KindOCRFailure:         500,
		KindLLMFailure:         502,
		KindPersistenceFailure: 500,
		KindInternal:           500,
	}
	for k, want := range tests {
		assert.Equal(t, want, HTTPStatus(k), k)
	}
}
