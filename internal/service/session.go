package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/eventrelay/internal/adapter/otel"
	"github.com/Strob0t/eventrelay/internal/config"
	"github.com/Strob0t/eventrelay/internal/domain/event"
	"github.com/Strob0t/eventrelay/internal/logger"
	"github.com/Strob0t/eventrelay/internal/port/broadcast"
)

// SessionState is a stream session's lifecycle position.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Default stream settings, used when the config leaves them unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReplayBatch       = 100
)

// busClosedMessage is sent when the bus shuts down under a live session.
const busClosedMessage = "event stream closed, please reconnect"

// Sessions runs stream sessions. It implements broadcast.Streamer.
type Sessions struct {
	bus      *Bus
	replayer *Replayer
	cfg      config.Stream
	metrics  *cfotel.Metrics
	now      func() time.Time
	active   atomic.Int64
	// unsettled counts open sessions that have not yet been told the bus
	// is gone.
	unsettled atomic.Int64

	// onState, when set, observes every state transition. Used by tests.
	onState func(sessionID string, s SessionState)
}

var _ broadcast.Streamer = (*Sessions)(nil)

// NewSessions creates the session runner.
func NewSessions(bus *Bus, replayer *Replayer, cfg config.Stream) *Sessions {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReplayBatch < 1 {
		cfg.ReplayBatch = DefaultReplayBatch
	}
	return &Sessions{bus: bus, replayer: replayer, cfg: cfg, now: time.Now}
}

// SetMetrics enables session metrics.
func (s *Sessions) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Active returns the number of sessions not yet closed.
func (s *Sessions) Active() int64 { return s.active.Load() }

// drainPoll is how often Drain rechecks the open sessions.
const drainPoll = 10 * time.Millisecond

// Drain waits until every open session has either closed or written the
// bus-closed error frame. Call it after closing the bus and before
// cancelling the session contexts.
func (s *Sessions) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.unsettled.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain sessions: %d not notified: %w", s.unsettled.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// session is the per-connection state.
type session struct {
	id     string
	sink   broadcast.Sink
	req    broadcast.Request
	sub    *Subscription
	ticker *time.Ticker
	state  SessionState
	// settled is set once the session no longer counts towards Drain.
	settled bool
	// lastReplayed is the highest id seen during replay. Live events at or
	// below it were already written.
	lastReplayed event.StreamID
}

// Stream runs one session until ctx is done or a write to sink fails.
// It always returns with the subscription released, the heartbeat
// stopped and the sink closed.
func (s *Sessions) Stream(ctx context.Context, sink broadcast.Sink, req broadcast.Request) {
	sess := &session{id: uuid.NewString(), sink: sink, req: req}
	ctx = logger.WithSessionID(ctx, sess.id)
	log := logger.From(ctx).With("transport", req.Transport)

	s.active.Add(1)
	s.unsettled.Add(1)
	s.addActive(ctx, req.Transport, 1)
	s.setState(sess, StateConnecting)
	log.Info("stream session opened", "cursor", req.Cursor, "topics", req.Filter.Topics())

	// Subscribing first means nothing published during replay is missed.
	sess.sub = s.bus.Subscribe(req.Filter)
	sess.ticker = time.NewTicker(s.cfg.HeartbeatInterval)

	defer func() {
		sess.sub.Unsubscribe()
		sess.ticker.Stop()
		if err := sink.Close(); err != nil {
			log.Debug("sink close failed", "error", err)
		}
		s.setState(sess, StateClosed)
		s.settle(sess)
		s.active.Add(-1)
		s.addActive(context.WithoutCancel(ctx), req.Transport, -1)
		log.Info("stream session closed", "dropped", sess.sub.Dropped())
	}()

	if err := sink.Send(event.Connected(sess.id, s.now())); err != nil {
		log.Warn("stream write failed", "error", err)
		return
	}

	if req.Cursor != "" {
		s.setState(sess, StateReplaying)
		if err := s.replay(ctx, sess); err != nil {
			log.Warn("stream write failed during replay", "error", err)
			return
		}
	}

	s.setState(sess, StateLive)
	s.live(ctx, sess)
}

// replay writes the events after the cursor. Read failures are logged and
// swallowed; only a transport write failure is returned.
func (s *Sessions) replay(ctx context.Context, sess *session) error {
	log := logger.From(ctx)
	cursor := sess.req.Cursor
	if !cursor.IsLogID() {
		log.Warn("cursor is not a log id, skipping replay", "cursor", cursor)
		return nil
	}

	rctx, span := cfotel.StartReplaySpan(ctx, sess.id, string(cursor))
	defer span.End()

	events, err := s.replayer.Read(rctx, cursor, s.cfg.ReplayBatch)
	if err != nil {
		log.Warn("replay failed, continuing live", "cursor", cursor, "error", err)
		return nil
	}

	var written int64
	for _, ev := range events {
		sess.lastReplayed = ev.ID
		if !sess.req.Filter.Matches(ev.Type) {
			continue
		}
		if err := sess.sink.Send(ev.Envelope()); err != nil {
			return err
		}
		written++
	}
	span.SetAttributes(attribute.Int64("replay.events", written))
	if s.metrics != nil && written > 0 {
		s.metrics.EventsReplayed.Add(ctx, written)
	}
	log.Debug("replay complete", "cursor", cursor, "read", len(events), "written", written)
	return nil
}

// live forwards bus events and heartbeats until ctx is done or a write fails.
func (s *Sessions) live(ctx context.Context, sess *session) {
	log := logger.From(ctx)
	events := sess.sub.C()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sess.ticker.C:
			if err := sess.sink.Send(event.Heartbeat(s.now())); err != nil {
				log.Warn("heartbeat write failed", "error", err)
				return
			}

		case ev, ok := <-events:
			if !ok {
				// The bus is gone. Tell the client and keep heartbeating
				// until it reconnects.
				events = nil
				log.Warn("bus subscription closed")
				err := sess.sink.SendError(busClosedMessage)
				s.settle(sess)
				if err != nil {
					return
				}
				continue
			}
			if sess.lastReplayed != "" && ev.ID.IsLogID() && event.Compare(ev.ID, sess.lastReplayed) <= 0 {
				continue
			}
			if !sess.req.Filter.Matches(ev.Type) {
				continue
			}
			if err := sess.sink.Send(ev.Envelope()); err != nil {
				log.Warn("stream write failed", "event_id", ev.ID, "error", err)
				if s.metrics != nil {
					s.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "write_failed")))
				}
				return
			}
			if s.metrics != nil {
				s.metrics.EventsDelivered.Add(ctx, 1)
			}
		}
	}
}

func (s *Sessions) settle(sess *session) {
	if !sess.settled {
		sess.settled = true
		s.unsettled.Add(-1)
	}
}

func (s *Sessions) setState(sess *session, st SessionState) {
	sess.state = st
	if s.onState != nil {
		s.onState(sess.id, st)
	}
}

func (s *Sessions) addActive(ctx context.Context, transport string, n int64) {
	if s.metrics != nil {
		s.metrics.SessionsActive.Add(ctx, n, metric.WithAttributes(attribute.String("transport", transport)))
	}
}
