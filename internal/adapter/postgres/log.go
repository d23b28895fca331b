package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/eventrelay/internal/domain"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
)

// Log implements eventlog.Log on the stream_events table. Ids are allocated
// from the single stream_log_state row, whose row lock serializes appends.
type Log struct {
	pool      *pgxpool.Pool
	maxLen    int64
	trimEvery int64
	appends   atomic.Int64
	now       func() time.Time

	healthy atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ eventlog.Log = (*Log)(nil)

// NewLog takes ownership of pool; Close closes it.
// A non-positive pingInterval disables the liveness monitor.
func NewLog(pool *pgxpool.Pool, maxLen int64, trimEvery int, pingInterval time.Duration) *Log {
	if maxLen < 1 {
		maxLen = eventlog.DefaultMaxLen
	}
	if trimEvery < 1 {
		trimEvery = 1
	}
	l := &Log{pool: pool, maxLen: maxLen, trimEvery: int64(trimEvery), now: time.Now}
	l.healthy.Store(true)
	l.startMonitor(pingInterval)
	return l
}

const advanceQuery = `UPDATE stream_log_state
	SET last_seq = CASE WHEN $1 > last_ms THEN 0 ELSE last_seq + 1 END,
	    last_ms  = GREATEST($1, last_ms)
	WHERE id = 1
	RETURNING last_ms, last_seq`

// Append allocates the next id and inserts the row in one transaction.
func (l *Log) Append(ctx context.Context, eventType string, payload json.RawMessage) (event.StreamID, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	at := l.now()

	var ms, seq int64
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, advanceQuery, at.UnixMilli()).Scan(&ms, &seq); err != nil {
			return fmt.Errorf("advance id: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO stream_events (ms, seq, event_type, payload, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)`,
			ms, seq, eventType, string(payload), at)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	l.observe(err)
	if err != nil {
		return "", wrapErr("append "+eventType, err)
	}

	if l.appends.Add(1)%l.trimEvery == 0 {
		if err := l.trim(ctx); err != nil {
			slog.Warn("stream log trim failed", "error", err)
		}
	}
	return event.MakeID(uint64(ms), uint64(seq)), nil
}

// trim deletes everything older than the maxLen-th newest row.
func (l *Log) trim(ctx context.Context) error {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM stream_events
		 WHERE (ms, seq) < (SELECT ms, seq FROM stream_events ORDER BY ms DESC, seq DESC OFFSET $1 LIMIT 1)`,
		l.maxLen-1)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Debug("stream log trimmed", "deleted", n)
	}
	return nil
}

// ReadRange returns up to count rows strictly after the cursor.
func (l *Log) ReadRange(ctx context.Context, after event.StreamID, count int) ([]event.Event, error) {
	ms, seq, ok := after.Parse()
	if !ok {
		return nil, fmt.Errorf("read after %q: %w", after, domain.ErrInvalidCursor)
	}
	lowMS, lowSeq, more := lowerBound(ms, seq)
	if count <= 0 || !more {
		return []event.Event{}, nil
	}

	rows, err := l.pool.Query(ctx,
		`SELECT ms, seq, event_type, payload::text, created_at
		 FROM stream_events
		 WHERE (ms, seq) > ($1, $2)
		 ORDER BY ms, seq
		 LIMIT $3`, lowMS, lowSeq, count)
	if err != nil {
		l.observe(err)
		return nil, wrapErr("read range after "+after.String(), err)
	}
	defer rows.Close()

	events := make([]event.Event, 0, count)
	for rows.Next() {
		var (
			rms, rseq int64
			typ, raw  string
			created   time.Time
		)
		if err := rows.Scan(&rms, &rseq, &typ, &raw, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event.New(event.MakeID(uint64(rms), uint64(rseq)), typ, json.RawMessage(raw), created))
	}
	err = rows.Err()
	l.observe(err)
	if err != nil {
		return nil, wrapErr("read range after "+after.String(), err)
	}
	return events, nil
}

// IsAvailable reports the result of the most recent statement or ping.
func (l *Log) IsAvailable() bool {
	return l.healthy.Load()
}

// Info reports the row count and the first and last ids.
func (l *Log) Info(ctx context.Context) (eventlog.Info, error) {
	var info eventlog.Info
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stream_events`).Scan(&info.Length)
	l.observe(err)
	if err != nil {
		return info, wrapErr("count events", err)
	}
	if info.Length == 0 {
		return info, nil
	}

	first, err := l.edge(ctx, "ASC")
	if err != nil {
		return info, err
	}
	last, err := l.edge(ctx, "DESC")
	if err != nil {
		return info, err
	}
	info.FirstID, info.LastID = first, last
	return info, nil
}

func (l *Log) edge(ctx context.Context, dir string) (event.StreamID, error) {
	var ms, seq int64
	err := l.pool.QueryRow(ctx,
		`SELECT ms, seq FROM stream_events ORDER BY ms `+dir+`, seq `+dir+` LIMIT 1`).Scan(&ms, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr("select "+dir+" edge", err)
	}
	return event.MakeID(uint64(ms), uint64(seq)), nil
}

// lowerBound maps a cursor onto the signed columns. more is false when the
// cursor lies beyond any id the table can hold.
func lowerBound(ms, seq uint64) (lowMS, lowSeq int64, more bool) {
	if ms > math.MaxInt64 {
		return 0, 0, false
	}
	if seq > math.MaxInt64 {
		seq = math.MaxInt64
	}
	return int64(ms), int64(seq), true
}

// wrapErr annotates a failed statement. Server errors are passed through
// unless their class says the connection or the server itself is gone;
// everything else except the caller's cancellation is domain.ErrUnavailable.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &pgErr) && !unavailableClass(pgErr.Code):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}
}

// unavailableClass covers connection exceptions (08), insufficient
// resources (53) and operator intervention such as shutdown (57P).
func unavailableClass(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P")
}

// Close stops the monitor and closes the pool.
func (l *Log) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.pool.Close()
	return nil
}

func (l *Log) startMonitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(ctx, interval)
				err := l.pool.Ping(pingCtx)
				cancelPing()
				if ctx.Err() != nil {
					return
				}
				l.observe(err)
			}
		}
	}()
}

func (l *Log) observe(err error) {
	// Context cancellation says nothing about the database.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	ok := err == nil
	if l.healthy.Swap(ok) != ok {
		if ok {
			slog.Info("postgres event log recovered")
		} else {
			slog.Warn("postgres event log unavailable", "error", err)
		}
	}
}
