package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
)

// UpdateTask refreshes the canonical invoice after an extraction.
type UpdateTask struct {
	FactureID          string
	ExtractionID       string
	Data               model.InvoiceRecord
	Blended            float64
	RequiresValidation bool
	ExtractedAt        time.Time
	// Degraded marks an extraction whose record carries no usable data.
	// Only the extraction metadata of the invoice is refreshed.
	Degraded bool
}

// InvoiceStore reads and persists canonical invoices.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpsertInvoice(ctx context.Context, inv *model.Invoice) error
}

// QueueOptions configures an UpdateQueue.
type QueueOptions struct {
	Workers int
	Size    int
	Timeout time.Duration
}

// UpdateQueue applies UpdateTasks in the background. Each task runs at most
// once and is never retried. Tasks still pending for the same facture are
// coalesced so the last submission wins. At most one task per facture is
// applied at a time; a task submitted while another for the same facture
// is running waits and is applied by that worker right after.
type UpdateQueue struct {
	store   InvoiceStore
	opts    QueueOptions
	ids     chan string
	mu      sync.Mutex
	pending map[string]UpdateTask
	running map[string]bool
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewUpdateQueue creates a queue. Workers are launched by Start.
func NewUpdateQueue(store InvoiceStore, opts QueueOptions) *UpdateQueue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &UpdateQueue{
		store:   store,
		opts:    opts,
		ids:     make(chan string, opts.Size),
		pending: make(map[string]UpdateTask),
		running: make(map[string]bool),
	}
}

// Start launches the workers. Tasks outlive ctx cancellation only as long
// as Shutdown waits for them.
func (q *UpdateQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(context.WithoutCancel(ctx), i)
	}
}

// Submit enqueues t. It reports false when the queue is closed or full;
// the task is then dropped and logged.
func (q *UpdateQueue) Submit(t UpdateTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		zap.L().Warn("pipeline: update queue closed, dropping task", zap.String("facture_id", t.FactureID))
		return false
	}
	if _, ok := q.pending[t.FactureID]; ok {
		q.pending[t.FactureID] = t
		zap.L().Debug("pipeline: coalesced invoice update", zap.String("facture_id", t.FactureID))
		return true
	}
	if q.running[t.FactureID] {
		q.pending[t.FactureID] = t
		return true
	}
	select {
	case q.ids <- t.FactureID:
		q.pending[t.FactureID] = t
		return true
	default:
		zap.L().Warn("pipeline: update queue full, dropping task", zap.String("facture_id", t.FactureID))
		return false
	}
}

// Pending returns the number of tasks not yet picked up by a worker.
func (q *UpdateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown stops accepting tasks and waits for queued ones to drain.
func (q *UpdateQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ids)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: update queue shutdown")
	}
}

func (q *UpdateQueue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	log := zap.L().With(zap.String("component", "update_queue"), zap.Int("worker", n))
	for id := range q.ids {
		t, ok := q.take(id)
		for ok {
			if err := q.apply(ctx, t); err != nil {
				log.Error("pipeline: invoice update failed",
					zap.String("facture_id", t.FactureID),
					zap.String("extraction_id", t.ExtractionID),
					zap.Error(err),
				)
			} else {
				log.Debug("pipeline: invoice updated", zap.String("facture_id", t.FactureID))
			}
			t, ok = q.take(id)
		}
	}
}

// take claims the pending task for id and marks the facture as running.
// When nothing is pending the facture is released.
func (q *UpdateQueue) take(id string) (UpdateTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.pending[id]
	if !ok {
		delete(q.running, id)
		return UpdateTask{}, false
	}
	delete(q.pending, id)
	q.running[id] = true
	return t, true
}

func (q *UpdateQueue) apply(ctx context.Context, t UpdateTask) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	current, err := q.store.GetInvoice(ctx, t.FactureID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load invoice %s", t.FactureID)
	}

	extractedAt := t.ExtractedAt
	inv := &model.Invoice{
		ID:                 t.FactureID,
		Status:             model.InvoiceStatusPending,
		GlobalConfidence:   t.Blended,
		RequiresValidation: t.RequiresValidation,
		ExtractionID:       t.ExtractionID,
		ExtractedAt:        &extractedAt,
		UpdatedAt:          time.Now().UTC(),
	}
	if current != nil {
		inv.Fournisseur = current.Fournisseur
		inv.Data = current.Data
	}
	if !t.Degraded {
		inv.Data.Merge(&t.Data)
		if s := t.Data.Supplier(); s != "" {
			inv.Fournisseur = s
		}
	}
	return eris.Wrapf(q.store.UpsertInvoice(ctx, inv), "pipeline: upsert invoice %s", t.FactureID)
}
