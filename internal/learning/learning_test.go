package learning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertCorrections(ctx context.Context, entries []model.CorrectionEntry) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *mockStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	args := m.Called(ctx, id)
	inv, _ := args.Get(0).(*model.Invoice)
	return inv, args.Error(1)
}

func (m *mockStore) GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*model.ExtractionRecord)
	return rec, args.Error(1)
}

func (m *mockStore) GetPattern(ctx context.Context, key, field string) (*model.SupplierPattern, error) {
	args := m.Called(ctx, key, field)
	p, _ := args.Get(0).(*model.SupplierPattern)
	return p, args.Error(1)
}

func (m *mockStore) IncrementPattern(ctx context.Context, id string, at time.Time) (*model.SupplierPattern, error) {
	args := m.Called(ctx, id, at)
	p, _ := args.Get(0).(*model.SupplierPattern)
	return p, args.Error(1)
}

func (m *mockStore) CreatePattern(ctx context.Context, p model.SupplierPattern) (*model.SupplierPattern, error) {
	args := m.Called(ctx, p)
	out, _ := args.Get(0).(*model.SupplierPattern)
	return out, args.Error(1)
}

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func newLoop(st Store, createMissing bool) *Loop {
	l := New(st, Options{CreateMissing: createMissing})
	l.now = func() time.Time { return fixedNow }
	return l
}

func learnRequest() model.LearnRequest {
	return model.LearnRequest{
		ExtractionID: "e1",
		FactureID:    "f1",
		Corrections: map[string]model.Correction{
			"prix_total_ttc": {Extracted: 120.5, Corrected: 125.0},
		},
	}
}

func TestLearn_IncrementsExistingPattern(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, []model.CorrectionEntry{{
		FactureID: "f1", ExtractionID: "e1", FieldName: "prix_total_ttc",
		OriginalValue: "120.5", CorrectedValue: "125", CreatedAt: fixedNow,
	}}).Return(nil).Once()
	st.On("GetInvoice", mock.Anything, "f1").Return(&model.Invoice{ID: "f1", Fournisseur: "EDF"}, nil)
	st.On("GetPattern", mock.Anything, "edf", "prix_total_ttc").
		Return(&model.SupplierPattern{ID: "p1", SampleCount: 3}, nil)
	st.On("IncrementPattern", mock.Anything, "p1", fixedNow).
		Return(&model.SupplierPattern{ID: "p1", SampleCount: 4, LastUpdated: fixedNow}, nil)

	sum, err := newLoop(st, true).Learn(context.Background(), learnRequest())
	require.NoError(t, err)
	assert.Equal(t, "success", sum.Status)
	assert.Equal(t, "Learned from 1 corrections", sum.Message)
	assert.Equal(t, 1, sum.CorrectedCount)
	assert.Equal(t, 1, sum.PatternsUpdated)
	assert.Equal(t, 0, sum.PatternsCreated)
	assert.Equal(t, "EDF", sum.Supplier)
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "CreatePattern", mock.Anything, mock.Anything)
}

func TestLearn_CreatesMissingPattern(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(nil)
	st.On("GetInvoice", mock.Anything, "f1").Return(&model.Invoice{ID: "f1", Fournisseur: "Électricité de Strasbourg"}, nil)
	st.On("GetPattern", mock.Anything, "electricite de strasbourg", "prix_total_ttc").Return(nil, nil)
	st.On("CreatePattern", mock.Anything, mock.MatchedBy(func(p model.SupplierPattern) bool {
		return p.SupplierName == "Électricité de Strasbourg" &&
			p.SupplierKey == "electricite de strasbourg" &&
			p.FieldName == "prix_total_ttc" &&
			p.ExampleValue == 125.0 &&
			p.SampleCount == 1
	})).Return(&model.SupplierPattern{ID: "p2", SampleCount: 1}, nil)

	sum, err := newLoop(st, true).Learn(context.Background(), learnRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsCreated)
	assert.Equal(t, 0, sum.PatternsUpdated)
	st.AssertExpectations(t)
}

func TestLearn_CreationDisabled(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(nil)
	st.On("GetInvoice", mock.Anything, "f1").Return(&model.Invoice{Fournisseur: "EDF"}, nil)
	st.On("GetPattern", mock.Anything, "edf", "prix_total_ttc").Return(nil, nil)

	sum, err := newLoop(st, false).Learn(context.Background(), learnRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.PatternsCreated)
	assert.Equal(t, 1, sum.CorrectedCount)
	st.AssertNotCalled(t, "CreatePattern", mock.Anything, mock.Anything)
}

func TestLearn_NoSupplierRecordsCorrectionsOnly(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(nil)
	st.On("GetInvoice", mock.Anything, "f1").Return(nil, nil)
	st.On("GetExtraction", mock.Anything, "e1").Return(nil, nil)

	sum, err := newLoop(st, true).Learn(context.Background(), learnRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CorrectedCount)
	assert.Empty(t, sum.Supplier)
	st.AssertNotCalled(t, "GetPattern", mock.Anything, mock.Anything, mock.Anything)
}

func TestLearn_SupplierFromCorrection(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(nil)
	st.On("GetInvoice", mock.Anything, "f1").Return(nil, nil)
	st.On("GetPattern", mock.Anything, "engie", mock.Anything).Return(nil, nil)
	st.On("CreatePattern", mock.Anything, mock.Anything).Return(&model.SupplierPattern{}, nil)

	req := model.LearnRequest{
		ExtractionID: "e1", FactureID: "f1",
		Corrections: map[string]model.Correction{
			"fournisseur": {Extracted: "EDF", Corrected: "Engie"},
			"pdl":         {Extracted: nil, Corrected: "12345678901234"},
		},
	}
	sum, err := newLoop(st, true).Learn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Engie", sum.Supplier)
	assert.Equal(t, 2, sum.PatternsCreated)
	st.AssertNotCalled(t, "GetExtraction", mock.Anything, mock.Anything)
}

func TestLearn_SupplierFromExtraction(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(nil)
	st.On("GetInvoice", mock.Anything, "f1").Return(nil, nil)
	st.On("GetExtraction", mock.Anything, "e1").Return(&model.ExtractionRecord{
		LlmRawOutput: model.InvoiceRecord{Fournisseur: model.Ptr("TotalEnergies")},
	}, nil)
	st.On("GetPattern", mock.Anything, "totalenergies", "prix_total_ttc").Return(&model.SupplierPattern{ID: "p9"}, nil)
	st.On("IncrementPattern", mock.Anything, "p9", fixedNow).Return(&model.SupplierPattern{ID: "p9"}, nil)

	sum, err := newLoop(st, true).Learn(context.Background(), learnRequest())
	require.NoError(t, err)
	assert.Equal(t, "TotalEnergies", sum.Supplier)
	assert.Equal(t, 1, sum.PatternsUpdated)
}

func TestLearn_AuditFailureStopsBeforePatterns(t *testing.T) {
	st := new(mockStore)
	st.On("InsertCorrections", mock.Anything, mock.Anything).Return(errors.New("copy failed"))

	_, err := newLoop(st, true).Learn(context.Background(), learnRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning: record corrections")
	st.AssertNotCalled(t, "GetInvoice", mock.Anything, mock.Anything)
}

func TestLearn_InvalidRequest(t *testing.T) {
	_, err := newLoop(new(mockStore), true).Learn(context.Background(), model.LearnRequest{FactureID: "f1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLearn_EmptyCorrections(t *testing.T) {
	st := new(mockStore)
	st.On("GetInvoice", mock.Anything, "f1").Return(&model.Invoice{Fournisseur: "EDF"}, nil)

	sum, err := newLoop(st, true).Learn(context.Background(), model.LearnRequest{ExtractionID: "e1", FactureID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.CorrectedCount)
	assert.Equal(t, "Learned from 0 corrections", sum.Message)
	st.AssertNotCalled(t, "InsertCorrections", mock.Anything, mock.Anything)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "EDF", stringify("EDF"))
	assert.Equal(t, "120.5", stringify(120.5))
	assert.Equal(t, "null", stringify(nil))
	assert.Equal(t, `{"conso_hp":1200}`, stringify(map[string]any{"conso_hp": 1200.0}))
}

func TestLearn_SQLiteIncrementThreeToFour(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "learn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	require.NoError(t, st.UpsertInvoice(ctx, &model.Invoice{ID: "f1", Fournisseur: "EDF", Status: model.InvoiceStatusPending}))
	seeded, err := st.CreatePattern(ctx, model.SupplierPattern{
		SupplierName: "EDF", SupplierKey: "edf", FieldName: "prix_total_ttc", ExampleValue: 99.0, SampleCount: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 3, seeded.SampleCount)

	l := New(st, Options{CreateMissing: true})
	l.now = func() time.Time { return seeded.LastUpdated.Add(time.Hour) }

	sum, err := l.Learn(ctx, learnRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsUpdated)

	got, err := st.GetPattern(ctx, "edf", "prix_total_ttc")
	require.NoError(t, err)
	assert.Equal(t, 4, got.SampleCount)
	assert.True(t, got.LastUpdated.After(seeded.LastUpdated))

	audit, err := st.ListCorrections(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "120.5", audit[0].OriginalValue)
	assert.Equal(t, "125", audit[0].CorrectedValue)
	assert.Equal(t, "e1", audit[0].ExtractionID)
}
