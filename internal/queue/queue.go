package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/storage"
)

const (
	DefaultLeaseTimeout = 120 * time.Second
	DefaultLeaseLimit   = 20
	MaxLeaseLimit       = 100
	MinPriority         = -100
	MaxPriority         = 100

	maxErrorBytes = 16 * 1024
	// expiryTolerance is how far expires_in_ms and expires_at may disagree
	// when both are supplied.
	expiryTolerance = time.Second

	// MaxExpiry bounds how far ahead a command deadline may be set.
	MaxExpiry = 24 * time.Hour
)

const recordColumns = `id, route, category, action, payload, metadata, priority, queue_seq, idempotency_key,
  state, attempts, dispatch_token, leased_by, leased_at, lease_expires_at, created_at, updated_at,
  expires_at, completed_at, result, error, execution_ms`

// Queue is the sqlite-backed command store. It owns every state transition of
// a command record.
type Queue struct {
	db           *sql.DB
	catalog      *catalog.Catalog
	now          func() time.Time
	leaseTimeout time.Duration
	retention    time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLeaseTimeout sets how long a lease stays valid before the sweep reclaims it.
func WithLeaseTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// WithRetention makes the sweep prune terminal records older than d. Zero keeps
// everything.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

func New(db *sql.DB, cat *catalog.Catalog, opts ...Option) *Queue {
	q := &Queue{
		db:           db,
		catalog:      cat,
		now:          time.Now,
		leaseTimeout: DefaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// LeaseTimeout returns the configured lease duration.
func (q *Queue) LeaseTimeout() time.Duration {
	return q.leaseTimeout
}

// Submit creates a command record, or returns the existing one if the request's
// idempotency key is already bound.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	results, err := q.SubmitBatch(ctx, []SubmitRequest{req})
	if err != nil {
		return SubmitResult{}, err
	}
	return results[0], nil
}

// SubmitBatch creates every record in one transaction. Either all requests are
// accepted or none are.
func (q *Queue) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]SubmitResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no commands to submit", fault.ErrValidation)
	}
	now := q.now().UTC()

	// Validate everything before opening the transaction.
	prepared := make([]preparedSubmit, 0, len(reqs))
	for i, req := range reqs {
		p, err := q.prepare(req, now)
		if err != nil {
			if len(reqs) > 1 {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
			return nil, err
		}
		prepared = append(prepared, p)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]SubmitResult, 0, len(prepared))
	created := 0
	for _, p := range prepared {
		existing, err := reserveLocked(ctx, tx, p.key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			out = append(out, SubmitResult{Record: existing, Deduped: true})
			continue
		}
		rec, err := q.insertLocked(ctx, tx, p, now)
		if err != nil {
			return nil, err
		}
		out = append(out, SubmitResult{Record: rec})
		created++
	}
	if err := bumpCounter(ctx, tx, CounterQueued, created); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

type preparedSubmit struct {
	entry     catalog.Entry
	category  string
	payload   string
	metadata  string
	priority  int
	key       string
	expiresAt *time.Time
}

func (q *Queue) prepare(req SubmitRequest, now time.Time) (preparedSubmit, error) {
	if strings.TrimSpace(req.Route) == "" {
		return preparedSubmit{}, fmt.Errorf("%w: route is required", fault.ErrValidation)
	}
	entry, err := q.catalog.Lookup(req.Route, req.Action)
	if err != nil {
		return preparedSubmit{}, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := entry.Validate(payload); err != nil {
		return preparedSubmit{}, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return preparedSubmit{}, fmt.Errorf("%w: payload: %v", fault.ErrValidation, err)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return preparedSubmit{}, fmt.Errorf("%w: metadata: %v", fault.ErrValidation, err)
	}
	expiresAt, err := ResolveExpiry(now, req.ExpiresInMS, req.ExpiresAt)
	if err != nil {
		return preparedSubmit{}, err
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = entry.Category
	}
	return preparedSubmit{
		entry:     entry,
		category:  category,
		payload:   string(payloadJSON),
		metadata:  string(metadataJSON),
		priority:  ClampPriority(req.Priority),
		key:       NormalizeIdempotencyKey(req.IdempotencyKey),
		expiresAt: expiresAt,
	}, nil
}

// ClampPriority bounds p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// ResolveExpiry turns a relative TTL and/or absolute deadline into one absolute
// deadline no more than MaxExpiry ahead. Supplying both is allowed only when
// they agree.
func ResolveExpiry(now time.Time, inMS *int64, at *time.Time) (*time.Time, error) {
	var rel *time.Time
	if inMS != nil {
		if *inMS < 0 {
			return nil, fmt.Errorf("%w: expires_in_ms must not be negative", fault.ErrValidation)
		}
		if *inMS > MaxExpiry.Milliseconds() {
			return nil, fmt.Errorf("%w: expires_in_ms must be at most %d", fault.ErrValidation, MaxExpiry.Milliseconds())
		}
		if *inMS > 0 {
			t := now.Add(time.Duration(*inMS) * time.Millisecond)
			rel = &t
		}
	}
	if at == nil {
		return rel, nil
	}
	abs := at.UTC()
	if !abs.After(now) {
		return nil, fmt.Errorf("%w: expires_at %s is in the past", fault.ErrValidation, abs.Format(time.RFC3339))
	}
	if abs.Sub(now) > MaxExpiry+expiryTolerance {
		return nil, fmt.Errorf("%w: expires_at must be within %s", fault.ErrValidation, MaxExpiry)
	}
	if rel != nil {
		diff := rel.Sub(abs)
		if diff < 0 {
			diff = -diff
		}
		if diff > expiryTolerance {
			return nil, fmt.Errorf("%w: expires_in_ms and expires_at disagree by %s", fault.ErrValidation, diff)
		}
	}
	return &abs, nil
}

func (q *Queue) insertLocked(ctx context.Context, tx *sql.Tx, p preparedSubmit, now time.Time) (*Record, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	var key any
	if p.key != "" {
		key = p.key
	}
	var expires any
	if p.expiresAt != nil {
		expires = storage.FormatTime(*p.expiresAt)
	}
	id := uuid.NewString()
	nowS := storage.FormatTime(now)

	row := tx.QueryRowContext(ctx, `
INSERT INTO commands(
  id, route, category, action, payload, metadata, priority, queue_seq, idempotency_key,
  state, attempts, created_at, updated_at, expires_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
RETURNING `+recordColumns+`;
`, id, p.entry.Route, p.category, p.entry.Action, p.payload, p.metadata, p.priority, seq, key,
		StateQueued, nowS, nowS, expires)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}
	return rec, nil
}

// Get returns the record with id.
func (q *Queue) Get(ctx context.Context, id string) (*Record, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM commands WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return rec, nil
}

// History returns the recorded transitions of a command, oldest first.
func (q *Queue) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT from_state, to_state, worker_id, detail, created_at
FROM command_log
WHERE command_id = ?
ORDER BY created_at ASC, rowid ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("query command history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t              Transition
			from, to       string
			worker, detail sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&from, &to, &worker, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command history: %w", err)
		}
		t.From, t.To = State(from), State(to)
		t.WorkerID = worker.String
		t.Detail = detail.String
		if ts, err := storage.ParseTime(createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Lease hands up to maxCount ready records to workerID, highest priority first
// and FIFO within a priority. Queued records already past their deadline are
// expired instead of leased.
func (q *Queue) Lease(ctx context.Context, workerID string, maxCount int) (LeaseBatch, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return LeaseBatch{}, fmt.Errorf("%w: worker_id is required", fault.ErrValidation)
	}
	maxCount = ClampLimit(maxCount)
	now := q.now().UTC()
	nowS := storage.FormatTime(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return LeaseBatch{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	expired, err := expireDueLocked(ctx, tx, now)
	if err != nil {
		return LeaseBatch{}, err
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM commands
WHERE state = ?
ORDER BY priority DESC, queue_seq ASC
LIMIT ?;
`, StateQueued, maxCount)
	if err != nil {
		return LeaseBatch{}, fmt.Errorf("select ready commands: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return LeaseBatch{}, fmt.Errorf("scan ready command: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return LeaseBatch{}, fmt.Errorf("select ready commands: %w", err)
	}

	leaseExpires := storage.FormatTime(now.Add(q.leaseTimeout))
	batch := LeaseBatch{Expired: expired}
	for _, id := range ids {
		token := uuid.NewString()
		row := tx.QueryRowContext(ctx, `
UPDATE commands
SET state = ?, dispatch_token = ?, leased_by = ?, leased_at = ?, lease_expires_at = ?,
    attempts = attempts + 1, updated_at = ?
WHERE id = ? AND state = ?
RETURNING `+recordColumns+`;
`, StateLeased, token, workerID, nowS, leaseExpires, nowS, id, StateQueued)
		rec, err := scanRecord(row)
		if err != nil {
			return LeaseBatch{}, fmt.Errorf("lease command %s: %w", id, err)
		}
		if err := logTransition(ctx, tx, id, StateQueued, StateLeased, workerID, "", now); err != nil {
			return LeaseBatch{}, err
		}
		batch.Leases = append(batch.Leases, Lease{Record: rec, DispatchToken: token})
	}
	if err := bumpCounter(ctx, tx, CounterDispatched, len(batch.Leases)); err != nil {
		return LeaseBatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return LeaseBatch{}, fmt.Errorf("commit tx: %w", err)
	}
	return batch, nil
}

// ClampLimit bounds a lease size to [1, MaxLeaseLimit]; zero or less means
// DefaultLeaseLimit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLeaseLimit
	}
	if n > MaxLeaseLimit {
		return MaxLeaseLimit
	}
	return n
}

// Report applies a worker's outcome to a leased record. The dispatch token must
// match the record's current lease; anything else is a stale dispatch and
// leaves the record untouched. Repeating the report that completed a record is
// acknowledged as a duplicate.
func (q *Queue) Report(ctx context.Context, req ReportRequest) (ReportResult, error) {
	id := strings.TrimSpace(req.CommandID)
	token := strings.TrimSpace(req.DispatchToken)
	if id == "" {
		return ReportResult{}, q.rejectReport(ctx, fmt.Errorf("%w: command_id is required", fault.ErrValidation))
	}
	if token == "" {
		return ReportResult{}, q.rejectReport(ctx, fmt.Errorf("%w: dispatch_token is required for command %s", fault.ErrValidation, id))
	}
	if req.ExecutionMS != nil && *req.ExecutionMS < 0 {
		return ReportResult{}, q.rejectReport(ctx, fmt.Errorf("%w: execution_ms must not be negative", fault.ErrValidation))
	}
	now := q.now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return ReportResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := getLocked(ctx, tx, id)
	if err != nil {
		return ReportResult{}, q.rejectReportTx(ctx, tx, err)
	}

	switch {
	case rec.State.Terminal() && rec.State != StateExpired && rec.DispatchToken == token:
		return ReportResult{Record: rec, From: rec.State, Duplicate: true}, nil
	case rec.State != StateLeased:
		return ReportResult{}, q.rejectReportTx(ctx, tx,
			fmt.Errorf("%w: command %s is %s", fault.ErrStaleDispatch, id, rec.State))
	case rec.DispatchToken != token:
		return ReportResult{}, q.rejectReportTx(ctx, tx,
			fmt.Errorf("%w: dispatch token mismatch for command %s", fault.ErrStaleDispatch, id))
	}

	worker := ""
	if rec.LeasedBy != nil {
		worker = *rec.LeasedBy
	}

	var updated *Record
	if req.Requeue {
		updated, err = requeueLocked(ctx, tx, rec, now, worker, "worker requested requeue")
		if err != nil {
			return ReportResult{}, err
		}
		if updated.ExpiresAt != nil && !updated.ExpiresAt.After(now) {
			if updated, err = expireRecordLocked(ctx, tx, updated, now); err != nil {
				return ReportResult{}, err
			}
		}
	} else {
		updated, err = completeLocked(ctx, tx, rec, req, now)
		if err != nil {
			return ReportResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ReportResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return ReportResult{Record: updated, From: StateLeased}, nil
}

func completeLocked(ctx context.Context, tx *sql.Tx, rec *Record, req ReportRequest, now time.Time) (*Record, error) {
	to := StateCompleted
	counter := CounterSucceeded
	var errMsg any
	if !req.OK {
		to = StateFailed
		counter = CounterFailed
		msg := strings.TrimSpace(req.Error)
		if msg == "" {
			msg = "worker reported failure"
		}
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		errMsg = msg
	}
	if err := checkTransition(rec.ID, rec.State, to); err != nil {
		return nil, err
	}

	var result any
	if len(req.Result) > 0 && string(req.Result) != "null" {
		if !json.Valid(req.Result) {
			return nil, fmt.Errorf("%w: result is not valid JSON", fault.ErrValidation)
		}
		result = string(req.Result)
	}
	var execMS any
	if req.ExecutionMS != nil {
		execMS = *req.ExecutionMS
	}
	nowS := storage.FormatTime(now)

	row := tx.QueryRowContext(ctx, `
UPDATE commands
SET state = ?, result = ?, error = ?, execution_ms = ?, completed_at = ?, updated_at = ?,
    lease_expires_at = NULL
WHERE id = ?
RETURNING `+recordColumns+`;
`, to, result, errMsg, execMS, nowS, nowS, rec.ID)
	updated, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("complete command: %w", err)
	}

	worker := ""
	if rec.LeasedBy != nil {
		worker = *rec.LeasedBy
	}
	detail := ""
	if s, ok := errMsg.(string); ok {
		detail = s
	}
	if err := logTransition(ctx, tx, rec.ID, rec.State, to, worker, detail, now); err != nil {
		return nil, err
	}
	if err := bumpCounter(ctx, tx, counter, 1); err != nil {
		return nil, err
	}
	return updated, nil
}

// requeueLocked moves a leased record back to queued at the back of its
// priority band. The lease token is cleared, so any report still carrying it
// is stale. Worker-requested requeue, admin requeue and lease-timeout
// reclamation all go through here.
func requeueLocked(ctx context.Context, tx *sql.Tx, rec *Record, now time.Time, worker, detail string) (*Record, error) {
	if err := checkTransition(rec.ID, rec.State, StateQueued); err != nil {
		return nil, err
	}
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `
UPDATE commands
SET state = ?, queue_seq = ?, dispatch_token = NULL, leased_by = NULL, leased_at = NULL,
    lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND state = ?
RETURNING `+recordColumns+`;
`, StateQueued, seq, storage.FormatTime(now), rec.ID, StateLeased)
	updated, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("requeue command: %w", err)
	}
	if err := logTransition(ctx, tx, rec.ID, StateLeased, StateQueued, worker, detail, now); err != nil {
		return nil, err
	}
	if err := bumpCounter(ctx, tx, CounterRequeued, 1); err != nil {
		return nil, err
	}
	return updated, nil
}

// Requeue returns a leased record to the queue on operator request. A record
// that is already queued is returned unchanged.
func (q *Queue) Requeue(ctx context.Context, id string) (*Record, error) {
	now := q.now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := getLocked(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateQueued {
		return rec, nil
	}
	if rec.State != StateLeased {
		return nil, fmt.Errorf("%w: command %s is %s and cannot be requeued", fault.ErrValidation, id, rec.State)
	}
	worker := ""
	if rec.LeasedBy != nil {
		worker = *rec.LeasedBy
	}
	updated, err := requeueLocked(ctx, tx, rec, now, worker, "requeued by operator")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// Sweep reclaims leases older than the lease timeout, expires queued records
// past their deadline and, when retention is set, prunes old terminal records.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	now := q.now().UTC()
	nowS := storage.FormatTime(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SweepResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT `+recordColumns+` FROM commands
WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
ORDER BY priority DESC, queue_seq ASC;
`, StateLeased, nowS)
	if err != nil {
		return SweepResult{}, fmt.Errorf("select timed out leases: %w", err)
	}
	var stale []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return SweepResult{}, fmt.Errorf("scan timed out lease: %w", err)
		}
		stale = append(stale, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SweepResult{}, fmt.Errorf("select timed out leases: %w", err)
	}

	var res SweepResult
	for _, rec := range stale {
		worker := ""
		if rec.LeasedBy != nil {
			worker = *rec.LeasedBy
		}
		if _, err := requeueLocked(ctx, tx, rec, now, worker, "lease expired"); err != nil {
			return SweepResult{}, err
		}
		res.Reclaimed = append(res.Reclaimed, rec.ID)
	}

	if res.Expired, err = expireDueLocked(ctx, tx, now); err != nil {
		return SweepResult{}, err
	}

	if q.retention > 0 {
		cutoff := storage.FormatTime(now.Add(-q.retention))
		r, err := tx.ExecContext(ctx, `
DELETE FROM commands
WHERE state IN (?, ?, ?) AND updated_at <= ?;
`, StateCompleted, StateFailed, StateExpired, cutoff)
		if err != nil {
			return SweepResult{}, fmt.Errorf("prune commands: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Pruned = int(n)
		if _, err := tx.ExecContext(ctx, `
DELETE FROM command_log WHERE command_id NOT IN (SELECT id FROM commands);
`); err != nil {
			return SweepResult{}, fmt.Errorf("prune command_log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return SweepResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

// expireDueLocked moves every queued record whose deadline has passed to
// expired and returns their ids.
func expireDueLocked(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	nowS := storage.FormatTime(now)
	rows, err := tx.QueryContext(ctx, `
UPDATE commands
SET state = ?, completed_at = ?, updated_at = ?, error = COALESCE(error, 'command expired before execution')
WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?
RETURNING id;
`, StateExpired, nowS, nowS, StateQueued, nowS)
	if err != nil {
		return nil, fmt.Errorf("expire commands: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired command: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire commands: %w", err)
	}
	for _, id := range ids {
		if err := logTransition(ctx, tx, id, StateQueued, StateExpired, "", "deadline passed", now); err != nil {
			return nil, err
		}
	}
	if err := bumpCounter(ctx, tx, CounterExpired, len(ids)); err != nil {
		return nil, err
	}
	return ids, nil
}

// expireRecordLocked expires a single queued record.
func expireRecordLocked(ctx context.Context, tx *sql.Tx, rec *Record, now time.Time) (*Record, error) {
	if err := checkTransition(rec.ID, rec.State, StateExpired); err != nil {
		return nil, err
	}
	nowS := storage.FormatTime(now)
	row := tx.QueryRowContext(ctx, `
UPDATE commands
SET state = ?, completed_at = ?, updated_at = ?, error = COALESCE(error, 'command expired before execution')
WHERE id = ? AND state = ?
RETURNING `+recordColumns+`;
`, StateExpired, nowS, nowS, rec.ID, StateQueued)
	updated, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("expire command: %w", err)
	}
	if err := logTransition(ctx, tx, rec.ID, StateQueued, StateExpired, "", "deadline passed", now); err != nil {
		return nil, err
	}
	if err := bumpCounter(ctx, tx, CounterExpired, 1); err != nil {
		return nil, err
	}
	return updated, nil
}

// Depth returns the number of queued records.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE state = ?;`, StateQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued commands: %w", err)
	}
	return n, nil
}

// ListRecent returns up to limit records, newest first. limit is clamped to
// [1, 500] with 50 as the default.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM commands
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent commands: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats returns counts by state, lifetime counters and average execution time.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByState:        make(map[State]int, len(States)),
		Counters:       make(map[string]int64, len(counterNames)),
		LeaseTimeoutMS: q.leaseTimeout.Milliseconds(),
	}
	for _, s := range States {
		st.ByState[s] = 0
	}
	for _, name := range counterNames {
		st.Counters[name] = 0
	}

	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM commands GROUP BY state;`)
	if err != nil {
		return Stats{}, fmt.Errorf("count commands by state: %w", err)
	}
	if err := scanStateCounts(rows, &st); err != nil {
		return Stats{}, err
	}
	st.Pending = st.ByState[StateQueued]

	crows, err := q.db.QueryContext(ctx, `SELECT name, value FROM queue_counters;`)
	if err != nil {
		return Stats{}, fmt.Errorf("read counters: %w", err)
	}
	if err := scanCounters(crows, &st); err != nil {
		return Stats{}, err
	}

	var avg sql.NullFloat64
	if err := q.db.QueryRowContext(ctx, `SELECT AVG(execution_ms) FROM commands WHERE execution_ms IS NOT NULL;`).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("average execution_ms: %w", err)
	}
	if avg.Valid {
		v := float64(int64(avg.Float64*100+0.5)) / 100
		st.AverageExecutionMS = &v
	}
	return st, nil
}

func scanStateCounts(rows *sql.Rows, st *Stats) error {
	defer rows.Close()
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return fmt.Errorf("scan state count: %w", err)
		}
		st.ByState[State(s)] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state counts: %w", err)
	}
	return nil
}

func scanCounters(rows *sql.Rows, st *Stats) error {
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			v    int64
		)
		if err := rows.Scan(&name, &v); err != nil {
			return fmt.Errorf("scan counter: %w", err)
		}
		if name == seqCounter {
			continue
		}
		st.Counters[name] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counters: %w", err)
	}
	return nil
}

// rejectReport counts a rejected report outside any transaction and returns err.
func (q *Queue) rejectReport(ctx context.Context, err error) error {
	if _, cerr := q.db.ExecContext(ctx, counterUpsert, CounterRejectedResults, 1); cerr != nil {
		return errors.Join(err, fmt.Errorf("count rejected result: %w", cerr))
	}
	return err
}

// rejectReportTx counts a rejected report inside tx, commits, and returns err.
// Nothing else in tx has been written at this point.
func (q *Queue) rejectReportTx(ctx context.Context, tx *sql.Tx, err error) error {
	if cerr := bumpCounter(ctx, tx, CounterRejectedResults, 1); cerr != nil {
		return errors.Join(err, cerr)
	}
	if cerr := tx.Commit(); cerr != nil {
		return errors.Join(err, fmt.Errorf("commit tx: %w", cerr))
	}
	return err
}

func getLocked(ctx context.Context, tx *sql.Tx, id string) (*Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM commands WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	return rec, nil
}

const seqCounter = "queue_seq"

const counterUpsert = `
INSERT INTO queue_counters(name, value) VALUES(?, ?)
ON CONFLICT(name) DO UPDATE SET value = value + excluded.value;
`

func bumpCounter(ctx context.Context, tx *sql.Tx, name string, n int) error {
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, counterUpsert, name, n); err != nil {
		return fmt.Errorf("bump counter %s: %w", name, err)
	}
	return nil
}

// nextSeq hands out the submission sequence that orders records within a
// priority band.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO queue_counters(name, value) VALUES(?, 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1
RETURNING value;
`, seqCounter).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next queue sequence: %w", err)
	}
	return seq, nil
}

func logTransition(ctx context.Context, tx *sql.Tx, id string, from, to State, worker, detail string, now time.Time) error {
	var w, d any
	if worker != "" {
		w = worker
	}
	if detail != "" {
		d = detail
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO command_log(id, command_id, from_state, to_state, worker_id, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), id, from, to, w, d, storage.FormatTime(now))
	if err != nil {
		return fmt.Errorf("insert command_log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		r              Record
		payload        string
		metadata       string
		state          string
		key            sql.NullString
		token          sql.NullString
		leasedBy       sql.NullString
		leasedAt       sql.NullString
		leaseExpiresAt sql.NullString
		createdAt      string
		updatedAt      string
		expiresAt      sql.NullString
		completedAt    sql.NullString
		result         sql.NullString
		errS           sql.NullString
		execMS         sql.NullInt64
	)
	if err := s.Scan(
		&r.ID, &r.Route, &r.Category, &r.Action, &payload, &metadata, &r.Priority, &r.QueueSeq, &key,
		&state, &r.Attempts, &token, &leasedBy, &leasedAt, &leaseExpiresAt, &createdAt, &updatedAt,
		&expiresAt, &completedAt, &result, &errS, &execMS,
	); err != nil {
		return nil, err
	}

	r.State = State(state)
	r.Payload = json.RawMessage(payload)
	if metadata != "" && metadata != "{}" {
		r.Metadata = json.RawMessage(metadata)
	}
	if key.Valid {
		r.IdempotencyKey = &key.String
	}
	r.DispatchToken = token.String
	if leasedBy.Valid {
		r.LeasedBy = &leasedBy.String
	}
	r.LeasedAt = parseNullTime(leasedAt)
	r.LeaseExpiresAt = parseNullTime(leaseExpiresAt)
	if t, err := storage.ParseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedAt); err == nil {
		r.UpdatedAt = t
	}
	r.ExpiresAt = parseNullTime(expiresAt)
	r.CompletedAt = parseNullTime(completedAt)
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if errS.Valid {
		r.Error = &errS.String
	}
	if execMS.Valid {
		r.ExecutionMS = &execMS.Int64
	}
	return &r, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := storage.ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
