// Package syncer drains pending expense records to the remote sink. Delivery
// is at-least-once: a record failing any step stays pending for the next
// run, and a record confirmed delivered is never submitted again.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billioG/reintegros/internal/expense"
	"github.com/billioG/reintegros/internal/remote"
)

// ErrSyncInProgress is returned when a run is requested while another is
// draining. The request is coalesced into one rerun after the current drain.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrOffline is returned for a manual run while no connectivity is available
var ErrOffline = errors.New("no network connection")

// Reason identifies what triggered a sync run
type Reason string

const (
	ReasonStartup      Reason = "startup"
	ReasonConnectivity Reason = "connectivity"
	ReasonManual       Reason = "manual"
	ReasonAppend       Reason = "append"
)

// Result reports the outcome of one sync run
type Result struct {
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Empty     bool `json:"empty"`
}

// ConnectivityChecker reports whether the remote sink is reachable
type ConnectivityChecker interface {
	IsOnline() bool
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Engine delivers pending records to the remote sinks
type Engine struct {
	store        expense.Store
	rows         remote.RowSink
	assets       remote.AssetSink
	connectivity ConnectivityChecker
	timeSource   TimeSource

	mu      sync.Mutex
	running bool
	rerun   bool

	lastMu     sync.Mutex
	lastResult *Result
}

// NewEngine creates a new Engine. assets may be nil, in which case the raw
// photo payload is used as its own reference.
func NewEngine(store expense.Store, rows remote.RowSink, assets remote.AssetSink, connectivity ConnectivityChecker) *Engine {
	return NewEngineWithDeps(store, rows, assets, connectivity, &defaultTimeSource{})
}

// NewEngineWithDeps creates a new Engine with a custom time source for testing
func NewEngineWithDeps(store expense.Store, rows remote.RowSink, assets remote.AssetSink, connectivity ConnectivityChecker, timeSource TimeSource) *Engine {
	return &Engine{
		store:        store,
		rows:         rows,
		assets:       assets,
		connectivity: connectivity,
		timeSource:   timeSource,
	}
}

// Run performs one sync run. Only one run drains at a time: a concurrent
// request flags a rerun and gets ErrSyncInProgress; the in-flight run drains
// again before going idle, so no trigger is lost and no two drains race to
// mark the same record.
func (e *Engine) Run(ctx context.Context, reason Reason) (Result, error) {
	if !e.connectivity.IsOnline() {
		if reason != ReasonManual {
			slog.Debug("Skipping sync while offline", "reason", reason)
		}
		return Result{}, ErrOffline
	}

	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return Result{}, ErrSyncInProgress
	}
	e.running = true
	e.mu.Unlock()

	first, err := e.drain(ctx, reason)

	// Coalesced triggers drain again before the engine goes idle
	for {
		e.mu.Lock()
		if !e.rerun {
			e.running = false
			e.mu.Unlock()
			break
		}
		e.rerun = false
		e.mu.Unlock()

		if _, rerunErr := e.drain(ctx, reason); rerunErr != nil {
			slog.Error("Coalesced sync run failed", "error", rerunErr)
		}
	}

	return first, err
}

// Trigger requests a run asynchronously, for the automatic triggering events
// (app start, connectivity transition, post-append). Offline and in-progress
// conditions are silent.
func (e *Engine) Trigger(reason Reason) {
	go func() {
		result, err := e.Run(context.Background(), reason)
		switch {
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrOffline):
		case err != nil:
			slog.Error("Sync run failed", "reason", reason, "error", err)
		case !result.Empty:
			slog.Info("Sync run finished", "reason", reason, "succeeded", result.Succeeded, "failed", result.Failed)
		}
	}()
}

// TriggerSync requests a run after a successful local append
func (e *Engine) TriggerSync() {
	e.Trigger(ReasonAppend)
}

// LastResult returns the outcome of the most recent drain, or nil if none
// has completed yet.
func (e *Engine) LastResult() *Result {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.lastResult
}

func (e *Engine) setLastResult(result Result) {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	e.lastResult = &result
}

// drain processes every currently-pending record strictly in order. One
// item's failure never blocks the rest of the batch.
func (e *Engine) drain(ctx context.Context, reason Reason) (Result, error) {
	pending, err := e.store.ListPending()
	if err != nil {
		return Result{}, fmt.Errorf("listing pending records: %w", err)
	}

	if len(pending) == 0 {
		result := Result{Empty: true}
		e.setLastResult(result)
		return result, nil
	}

	var result Result
	for _, record := range pending {
		if err := e.syncRecord(ctx, record); err != nil {
			if errors.Is(err, remote.ErrNotConfigured) {
				slog.Warn("Remote endpoint not configured, record left pending", "id", record.ID)
			} else {
				slog.Error("Failed to sync record", "id", record.ID, "error", err)
			}
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	if result.Succeeded > 0 {
		if err := e.store.SetLastSyncAt(e.timeSource.Now()); err != nil {
			slog.Error("Failed to persist last sync time", "error", err)
		}
	}

	e.setLastResult(result)
	return result, nil
}

// syncRecord runs the per-item protocol: upload the photo, submit the row,
// and only then mark the record synced.
func (e *Engine) syncRecord(ctx context.Context, record *expense.Record) error {
	photoRef := record.Photo
	if e.assets != nil {
		ref, err := e.assets.UploadImage(ctx, record.Photo, assetFilename(record))
		if err != nil {
			return fmt.Errorf("uploading photo: %w", err)
		}
		photoRef = ref
	}

	row := remote.Row{
		Date:           record.Date,
		Description:    record.Description,
		DocumentNumber: record.DocumentNumber,
		Project:        record.Project,
		Amount:         record.Amount,
		Requester:      record.Requester,
		PhotoRef:       photoRef,
	}
	if err := e.rows.AddRow(ctx, row); err != nil {
		return fmt.Errorf("submitting row: %w", err)
	}

	if err := e.store.MarkSynced(record.ID, photoRef); err != nil {
		return fmt.Errorf("marking record synced: %w", err)
	}
	return nil
}

// assetFilename builds the filename hint for the uploaded photo
func assetFilename(record *expense.Record) string {
	return fmt.Sprintf("factura_%d_%s.jpg", record.ID, uuid.NewString())
}
