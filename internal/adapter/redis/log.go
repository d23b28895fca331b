// Package redis implements the event log port on a Redis Stream.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/Strob0t/eventrelay/internal/config"
	"github.com/Strob0t/eventrelay/internal/domain"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/port/eventlog"
)

// Stream entry field names.
const (
	fieldType      = "type"
	fieldPayload   = "payload"
	fieldTimestamp = "timestamp"
)

// Log implements eventlog.Log with XADD/XRANGE. Redis assigns the ids, so
// ordering is serialized by the server; retention uses MAXLEN ~.
type Log struct {
	client *redis.Client
	key    string
	maxLen int64

	healthy atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ eventlog.Log = (*Log)(nil)

// Connect opens a client from cfg.URL, verifies it with PING and starts the
// liveness monitor. A failed initial PING is returned as an error.
func Connect(ctx context.Context, cfg config.Redis, maxLen int64) (*Log, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	l := New(client, cfg.Key, maxLen)
	l.startMonitor(cfg.PingInterval)

	slog.Info("redis event log connected", "addr", opts.Addr, "key", cfg.Key, "max_len", maxLen)
	return l, nil
}

// New wraps an existing client. The log is assumed healthy until a command fails.
func New(client *redis.Client, key string, maxLen int64) *Log {
	if maxLen < 1 {
		maxLen = eventlog.DefaultMaxLen
	}
	l := &Log{client: client, key: key, maxLen: maxLen}
	l.healthy.Store(true)
	return l
}

// Append adds the event with XADD MAXLEN ~ maxLen.
func (l *Log) Append(ctx context.Context, eventType string, payload json.RawMessage) (event.StreamID, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		MaxLen: l.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			fieldType:      eventType,
			fieldPayload:   string(payload),
			fieldTimestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}).Result()
	if err != nil {
		l.observe(err)
		return "", wrapErr("xadd", l.key, err)
	}
	l.observe(nil)
	return event.StreamID(id), nil
}

// ReadRange reads entries strictly after the cursor. The exclusive bound is
// expressed as the smallest id greater than the cursor, which works on every
// Redis version that supports streams.
func (l *Log) ReadRange(ctx context.Context, after event.StreamID, count int) ([]event.Event, error) {
	start, more, err := exclusiveStart(after)
	if err != nil {
		return nil, err
	}
	if count <= 0 || !more {
		return []event.Event{}, nil
	}

	msgs, err := l.client.XRangeN(ctx, l.key, start, "+", int64(count)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.observe(err)
		return nil, wrapErr("xrange", l.key, err)
	}
	l.observe(nil)

	events := make([]event.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decode(msg)
		if err != nil {
			slog.Warn("skipping malformed log entry", "key", l.key, "id", msg.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// IsAvailable reports the result of the most recent command or ping.
func (l *Log) IsAvailable() bool {
	return l.healthy.Load()
}

// Info reports XLEN and the first and last entry ids.
func (l *Log) Info(ctx context.Context) (eventlog.Info, error) {
	var info eventlog.Info

	n, err := l.client.XLen(ctx, l.key).Result()
	l.observe(err)
	if err != nil {
		return info, wrapErr("xlen", l.key, err)
	}
	info.Length = n
	if n == 0 {
		return info, nil
	}

	first, err := l.client.XRangeN(ctx, l.key, "-", "+", 1).Result()
	if err != nil {
		return info, wrapErr("xrange first", l.key, err)
	}
	if len(first) > 0 {
		info.FirstID = event.StreamID(first[0].ID)
	}

	last, err := l.client.XRevRangeN(ctx, l.key, "+", "-", 1).Result()
	if err != nil {
		return info, wrapErr("xrevrange last", l.key, err)
	}
	if len(last) > 0 {
		info.LastID = event.StreamID(last[0].ID)
	}
	return info, nil
}

// Close stops the monitor and closes the client.
func (l *Log) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return l.client.Close()
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
				err := l.client.Ping(pingCtx).Err()
				cancelPing()
				if ctx.Err() != nil {
					return
				}
				l.observe(err)
			}
		}
	}()
}

// observe flips the availability flag and logs transitions.
func (l *Log) observe(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	ok := err == nil || errors.Is(err, redis.Nil)
	if l.healthy.Swap(ok) != ok {
		if ok {
			slog.Info("redis event log recovered", "key", l.key)
		} else {
			slog.Warn("redis event log unavailable", "key", l.key, "error", err)
		}
	}
}

// wrapErr annotates a failed command. Only a server reply or the caller's
// own cancellation proves Redis was reachable; anything else is reported as
// domain.ErrUnavailable.
func wrapErr(op, key string, err error) error {
	var reply redis.Error
	if errors.As(err, &reply) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("redis %s %s: %w", op, key, err)
	}
	return fmt.Errorf("redis %s %s: %w: %w", op, key, domain.ErrUnavailable, err)
}

// exclusiveStart returns the smallest id greater than after. more is false
// when after is the largest representable id.
func exclusiveStart(after event.StreamID) (start string, more bool, err error) {
	ms, seq, ok := after.Parse()
	if !ok {
		return "", false, fmt.Errorf("redis read after %q: %w", after, domain.ErrInvalidCursor)
	}
	switch {
	case seq < math.MaxUint64:
		return string(event.MakeID(ms, seq+1)), true, nil
	case ms < math.MaxUint64:
		return string(event.MakeID(ms+1, 0)), true, nil
	default:
		return "", false, nil
	}
}

func decode(msg redis.XMessage) (event.Event, error) {
	typ, ok := msg.Values[fieldType].(string)
	if !ok || typ == "" {
		return event.Event{}, errors.New("missing type field")
	}
	raw, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return event.Event{}, errors.New("missing payload field")
	}
	if !json.Valid([]byte(raw)) {
		return event.Event{}, errors.New("payload is not valid JSON")
	}

	var ts int64
	if s, ok := msg.Values[fieldTimestamp].(string); ok {
		ts, _ = strconv.ParseInt(s, 10, 64)
	}
	if ts == 0 {
		// Fall back to the id's millisecond part.
		ms, _, _ := event.StreamID(msg.ID).Parse()
		ts = int64(ms)
	}

	return event.Event{
		ID:        event.StreamID(msg.ID),
		Type:      typ,
		Payload:   json.RawMessage(raw),
		Timestamp: ts,
	}, nil
}
