package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pixelbrain/segqueue/internal/inference"
)

// Worker is the recurring scheduling loop that turns queued items into
// inference calls. Polling rather than event-driven dispatch is deliberate:
// a restarted worker process picks up pending work from the store without
// losing anything. Multiple instances may run concurrently; exclusivity
// rests entirely on the store's conditional claim.
type Worker struct {
	store     Store
	service   *Service
	inference inference.Client
	workerID  uuid.UUID
	sem       chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	stopMu    sync.Mutex

	pollInterval time.Duration
	globalLimit  int
	itemTimeout  time.Duration
	log          *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a worker bound to the store, service, and inference
// collaborator.
func NewWorker(store Store, service *Service, client inference.Client, opts ...WorkerOption) (*Worker, error) {
	if store == nil || service == nil || client == nil {
		return nil, errors.New("worker requires store, service, and inference client")
	}

	options := &workerOptions{
		pollInterval: 2 * time.Second,
		concurrency:  2,
		itemTimeout:  5 * time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.globalLimit == 0 {
		options.globalLimit = options.concurrency
	}

	return &Worker{
		store:        store,
		service:      service,
		inference:    client,
		workerID:     uuid.New(),
		sem:          make(chan struct{}, options.concurrency),
		pollInterval: options.pollInterval,
		globalLimit:  options.globalLimit,
		itemTimeout:  options.itemTimeout,
		log:          options.logger,
	}, nil
}

// Start begins the scheduling loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run()

	w.log.Info("queue worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("concurrency", cap(w.sem)),
		slog.Int("global_limit", w.globalLimit))
	return nil
}

// Stop halts the loop and waits for in-flight items to finish, so shutdown
// never abandons a half-claimed item mid-tick.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return errors.New("worker not started")
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.log.Info("queue worker stopping, waiting for in-flight items",
		slog.String("worker_id", w.workerID.String()))
	w.wg.Wait()
	w.log.Info("queue worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run returns a function suitable for errgroup-style orchestration.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()
					w.tick()
				}()
			default:
				w.log.Debug("all worker slots busy, skipping tick",
					slog.String("worker_id", w.workerID.String()))
			}
		}
	}
}

// tick claims at most one item and processes it. Transient store failures
// simply defer to the next tick; no item state is corrupted.
func (w *Worker) tick() {
	processing, err := w.store.CountProcessing(w.ctx)
	if err != nil {
		w.log.Warn("processing count unavailable, deferring tick",
			slog.String("worker_id", w.workerID.String()),
			slog.String("error", err.Error()))
		return
	}
	if processing >= w.globalLimit {
		return
	}

	item, err := w.store.ClaimNext(w.ctx)
	if err != nil {
		if errors.Is(err, ErrNoItemToClaim) {
			return
		}
		w.log.Warn("claim failed, deferring tick",
			slog.String("worker_id", w.workerID.String()),
			slog.String("error", err.Error()))
		return
	}

	w.log.Debug("claimed queue item",
		slog.String("worker_id", w.workerID.String()),
		slog.String("item_id", item.ID.String()),
		slog.String("image_id", item.ImageID.String()))

	w.service.markStarted(w.ctx, item)
	w.process(item)
}

// process runs the inference call for one claimed item. Failure isolation is
// per item: an inference error or panic never reaches the polling loop.
func (w *Worker) process(item *Item) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("inference dispatch panicked",
				slog.String("item_id", item.ID.String()),
				slog.Any("panic", r))
			w.record(item, 0, fmt.Errorf("internal error: %v", r))
		}
	}()

	// Detached from the worker context so graceful shutdown lets the item
	// finish; the per-item timeout alone bounds the call.
	ctx, cancel := context.WithTimeout(context.Background(), w.itemTimeout)
	defer cancel()

	result, err := w.inference.Segment(ctx, inference.Request{
		ImageID:     item.ImageID,
		Model:       item.Model,
		Threshold:   item.Threshold,
		DetectHoles: item.DetectHoles,
	})

	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("segmentation timed out after %s", w.itemTimeout)
		}
		w.log.Error("segmentation failed",
			slog.String("worker_id", w.workerID.String()),
			slog.String("item_id", item.ID.String()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		w.record(item, 0, err)
		return
	}

	w.log.Info("segmentation completed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("item_id", item.ID.String()),
		slog.Int("polygons", len(result.Polygons)),
		slog.Duration("duration", duration))
	w.record(item, len(result.Polygons), nil)
}

// record persists the outcome with a fresh context: the item context may
// already be expired and the worker context may be cancelled by shutdown.
func (w *Worker) record(item *Item, polygonCount int, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if execErr != nil {
		err = w.service.markFailed(ctx, item, execErr.Error())
	} else {
		err = w.service.markCompleted(ctx, item, polygonCount)
	}
	if err != nil {
		w.log.Error("failed to record item outcome",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}
}
