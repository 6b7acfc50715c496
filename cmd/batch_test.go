package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/pipeline"
)

func manifest(n int) []model.ExtractionRequest {
	out := make([]model.ExtractionRequest, n)
	for i := range out {
		out[i] = model.ExtractionRequest{FactureID: string(rune('A' + i)), FileURL: "https://files/" + string(rune('a'+i)) + ".pdf"}
	}
	return out
}

func TestProcessBatch_Empty(t *testing.T) {
	res, err := processBatch(context.Background(), nil, 0, 2, func(context.Context, model.ExtractionRequest) (*model.ExtractionResponse, error) {
		t.Fatal("extract should not be called")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
}

func TestProcessBatch_CountsOutcomes(t *testing.T) {
	extract := func(_ context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error) {
		switch req.FactureID {
		case "A":
			return &model.ExtractionResponse{ExtractionID: "1"}, nil
		case "B":
			return &model.ExtractionResponse{ExtractionID: "2", RequiresValidation: true, Degraded: "no_json"}, nil
		case "C":
			return nil, &pipeline.Error{Kind: pipeline.KindDownloadFailure, Err: errors.New("404")}
		default:
			return nil, &pipeline.Error{Kind: pipeline.KindLLMFailure, Err: errors.New("timeout")}
		}
	}

	res, err := processBatch(context.Background(), manifest(5), 0, 3, extract)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Succeeded)
	assert.Equal(t, int64(3), res.Failed)
	assert.Equal(t, int64(1), res.RequiresValidation)
	assert.Equal(t, int64(1), res.Degraded)
	assert.Equal(t, map[string]int64{"download_failure": 1, "llm_failure": 2}, res.FailuresByKind)
}

func TestProcessBatch_LimitAndConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    []string
		running atomic.Int32
		peak    atomic.Int32
	)
	extract := func(_ context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		seen = append(seen, req.FactureID)
		mu.Unlock()
		return &model.ExtractionResponse{}, nil
	}

	res, err := processBatch(context.Background(), manifest(6), 4, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Succeeded)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, seen)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
