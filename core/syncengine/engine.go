// Package syncengine drains the Local Store queue against the remote store.
package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/remote"
)

type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// ItemError is the failure of one queue item during a pass.
type ItemError struct {
	ItemID    string            `json:"item_id"`
	TableName string            `json:"table_name"`
	RecordID  string            `json:"record_id"`
	Operation offline.Operation `json:"operation"`
	Attempts  int               `json:"attempts"`
	Message   string            `json:"message"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s/%s: %s", e.Operation, e.TableName, e.RecordID, e.Message)
}

// Result summarizes a sync pass. Success is true only when no item failed.
type Result struct {
	Success     bool        `json:"success"`
	TotalSynced int         `json:"total_synced"`
	Errors      []ItemError `json:"errors"`
}

// TableStatus is the sync status of a table, derived from the live queue and the current or last pass.
type TableStatus struct {
	TableName string `json:"table_name"`
	Total     int    `json:"total"`
	Progress  int    `json:"progress"` // items remaining
	Status    State  `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Options struct {
	Policy RetryPolicy
	// Locker defaults to a LocalLocker.
	Locker PassLocker
	// Limiter throttles remote calls when set.
	Limiter *rate.Limiter
	Metrics *Metrics
}

type tableState struct {
	status    State
	err       string
	total     int
	remaining int
}

type Engine struct {
	local   offline.Store
	remote  remote.Store
	logger  core.Logger
	policy  RetryPolicy
	locker  PassLocker
	limiter *rate.Limiter
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	running bool
	tables  map[string]*tableState
}

func NewEngine(local offline.Store, rmt remote.Store, logger core.Logger, opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = &LocalLocker{}
	}
	return &Engine{
		local:   local,
		remote:  rmt,
		logger:  logger,
		policy:  opts.Policy,
		locker:  opts.Locker,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		tables:  make(map[string]*tableState),
	}
}

func (e *Engine) Policy() RetryPolicy { return e.policy }

// groupByTable keeps the queue order within each table and returns the tables in order of first appearance.
func groupByTable(items []offline.QueueItem) (map[string][]offline.QueueItem, []string) {
	groups := make(map[string][]offline.QueueItem)
	var order []string
	for _, item := range items {
		if _, ok := groups[item.TableName]; !ok {
			order = append(order, item.TableName)
		}
		groups[item.TableName] = append(groups[item.TableName], item)
	}
	return groups, order
}

// SyncAllTables runs one pass over every pending item, oldest first within each table.
// Remote failures are recorded on the items and reported in the Result; they are never returned as error.
// The error is ErrSyncInProgress when another pass is running, a Local Store read failure,
// or the context error when the pass was cancelled between items.
func (e *Engine) SyncAllTables(ctx context.Context) (Result, error) {
	release, err := e.locker.TryLock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	if err = ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	items, err := e.local.PendingItems(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "loading pending items")
	}
	groups, order := groupByTable(items)

	e.beginPass(groups)
	defer e.endPass()

	res := Result{Errors: []ItemError{}}
	now := e.now()

pass:
	for _, table := range order {
		e.setTableState(table, StateSyncing, "")
		var lastErr string

		for _, item := range groups[table] {
			if ctx.Err() != nil {
				break pass
			}
			if e.policy.Parked(item) {
				lastErr = item.LastError
				continue
			}
			if !e.policy.Due(item, now) {
				if item.LastError != "" {
					lastErr = item.LastError
				}
				continue
			}
			if e.limiter != nil {
				if err = e.limiter.Wait(ctx); err != nil {
					break pass
				}
			}

			if err = e.push(ctx, item); err != nil {
				if ctx.Err() != nil {
					break pass
				}
				ie := e.recordFailure(ctx, item, err)
				lastErr = ie.Message
				res.Errors = append(res.Errors, ie)
				continue
			}
			if err = e.local.RemoveItem(ctx, item.ID); err != nil {
				// the item is pushed again next pass; upserts and deletes are idempotent
				ie := itemError(item, item.Attempts, errors.Wrap(err, "removing synced item"))
				lastErr = ie.Message
				res.Errors = append(res.Errors, ie)
				continue
			}
			res.TotalSynced++
			e.metrics.itemSynced(table)
			e.itemDone(table)
		}

		if lastErr != "" {
			e.setTableState(table, StateError, lastErr)
		} else {
			e.setTableState(table, StateCompleted, "")
		}
	}

	res.Success = len(res.Errors) == 0
	e.metrics.passDone(time.Since(start))
	if e.logger != nil {
		e.logger.Info("sync pass done", map[string]interface{}{"synced": res.TotalSynced, "failed": len(res.Errors)})
	}
	if ctx.Err() != nil {
		res.Success = false
		return res, ctx.Err()
	}
	return res, nil
}

func (e *Engine) push(ctx context.Context, item offline.QueueItem) error {
	switch item.Operation {
	case offline.OpCreate, offline.OpUpdate:
		return e.remote.Upsert(ctx, item.TableName, item.RecordID, item.Payload)
	case offline.OpDelete:
		return e.remote.Delete(ctx, item.TableName, item.RecordID)
	}
	return errors.Wrapf(offline.ErrInvalidChange, "unknown operation %q", item.Operation)
}

func itemError(item offline.QueueItem, attempts int, err error) ItemError {
	return ItemError{
		ItemID:    item.ID,
		TableName: item.TableName,
		RecordID:  item.RecordID,
		Operation: item.Operation,
		Attempts:  attempts,
		Message:   err.Error(),
	}
}

func (e *Engine) recordFailure(ctx context.Context, item offline.QueueItem, err error) ItemError {
	e.metrics.itemFailed(item.TableName)
	attempts := item.Attempts + 1
	updated, rerr := e.local.RecordFailure(context.WithoutCancel(ctx), item.ID, err.Error(), e.now())
	if rerr != nil {
		if e.logger != nil {
			e.logger.Error("recording sync failure", rerr, map[string]interface{}{"item": item.ID})
		}
	} else {
		attempts = updated.Attempts
	}
	if e.logger != nil {
		e.logger.Warn("sync item failed", err, map[string]interface{}{
			"table": item.TableName, "record": item.RecordID, "attempts": attempts,
		})
	}
	return itemError(item, attempts, err)
}

func (e *Engine) beginPass(groups map[string][]offline.QueueItem) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running = true
	for table, items := range groups {
		e.tables[table] = &tableState{status: StateIdle, total: len(items), remaining: len(items)}
	}
}

func (e *Engine) endPass() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) setTableState(table string, status State, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.tables[table]
	if !ok {
		st = &tableState{}
		e.tables[table] = st
	}
	st.status = status
	st.err = errMsg
}

func (e *Engine) itemDone(table string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.tables[table]; ok && st.remaining > 0 {
		st.remaining--
	}
}

// IsRunning reports whether a pass of this engine is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Status returns the status of every table that has pending items or took part in the last pass, sorted by name.
func (e *Engine) Status(ctx context.Context) ([]TableStatus, error) {
	items, err := e.local.PendingItems(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading pending items")
	}
	groups, _ := groupByTable(items)

	depths := make(map[string]int, len(groups))
	for table, tItems := range groups {
		depths[table] = len(tItems)
	}
	e.metrics.setQueueDepth(depths)

	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make(map[string]bool, len(groups)+len(e.tables))
	for table := range groups {
		names[table] = true
	}
	for table := range e.tables {
		names[table] = true
	}

	statuses := make([]TableStatus, 0, len(names))
	for table := range names {
		pending := groups[table]
		ts := TableStatus{TableName: table, Total: len(pending), Progress: len(pending), Status: StateIdle}

		if st, ok := e.tables[table]; ok {
			ts.Status = st.status
			ts.Error = st.err
			if e.running && st.status == StateSyncing {
				ts.Total = st.total
				ts.Progress = st.remaining
			}
		}
		for _, item := range pending {
			if e.policy.Parked(item) {
				ts.Status = StateError
				ts.Error = item.LastError
				break
			}
		}
		if ts.Status == StateIdle && len(pending) > 0 {
			// never synced by this engine: surface the last recorded failure
			for i := len(pending) - 1; i >= 0; i-- {
				if pending[i].LastError != "" {
					ts.Error = pending[i].LastError
					break
				}
			}
		}
		statuses = append(statuses, ts)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TableName < statuses[j].TableName })
	return statuses, nil
}

// ClearQueue drops every pending item. It fails with ErrSyncInProgress while a pass runs.
func (e *Engine) ClearQueue(ctx context.Context) (int64, error) {
	release, err := e.locker.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := e.local.ClearQueue(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.tables = make(map[string]*tableState)
	e.mu.Unlock()
	return n, nil
}

// ResetAttempts makes failed or parked items eligible for the next pass.
func (e *Engine) ResetAttempts(ctx context.Context, ids ...string) (int64, error) {
	return e.local.ResetAttempts(ctx, ids...)
}
