package resumable

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/streamlog"
)

const (
	DefaultInactivityTimeout = 2 * time.Minute
	defaultPollInterval      = time.Second
	defaultLinger            = time.Minute
	finalizeTimeout          = 10 * time.Second
)

// Producer drives one production run, writing deltas through enc. It must
// not write the terminal delta; the hub does that when it returns.
type Producer func(ctx context.Context, enc *delta.Encoder) error

type HubConfig struct {
	Log streamlog.Log
	// InactivityTimeout ends a run that wrote nothing for this long, and ends
	// log-following subscriptions that saw nothing for this long.
	InactivityTimeout time.Duration
	// PollInterval bounds one blocking read of the log by a remote subscriber.
	PollInterval time.Duration
	// Linger keeps finished streams in memory so late subscribers are served locally.
	Linger time.Duration
	Logger *slog.Logger
}

// Hub owns every production run of this process, keyed by stream id.
type Hub struct {
	log        streamlog.Log
	inactivity time.Duration
	poll       time.Duration
	linger     time.Duration
	logger     *slog.Logger

	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	// bus is set when the log carries stop requests between instances.
	bus streamlog.StopBus

	mu       sync.Mutex
	streams  map[string]*Stream
	reserved map[string]*Reservation
	closed   bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("stream hub requires a delta log")
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = DefaultInactivityTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if poll > inactivity {
		poll = inactivity
	}
	linger := cfg.Linger
	if linger <= 0 {
		linger = defaultLinger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancelCause(context.Background())
	h := &Hub{
		log:        cfg.Log,
		inactivity: inactivity,
		poll:       poll,
		linger:     linger,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		streams:    make(map[string]*Stream),
		reserved:   make(map[string]*Reservation),
	}
	if bus, ok := cfg.Log.(streamlog.StopBus); ok {
		h.bus = bus
		if err := bus.WatchStops(base, h.stopLocal); err != nil {
			logger.Warn("watch stop requests failed", "err", err)
		}
	}
	return h, nil
}

// InactivityTimeout is the window after which silent runs and subscriptions end.
func (h *Hub) InactivityTimeout() time.Duration {
	return h.inactivity
}

// Reservation holds a conversation's run slot from the one-active-stream
// check until Start, so concurrent turns cannot both pass the check.
type Reservation struct {
	h              *Hub
	conversationID string
}

// Reserve claims the conversation's run slot. It fails with
// ErrConversationBusy while another reservation or a non-terminal stream exists.
func (h *Hub) Reserve(conversationID string) (*Reservation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.reserved[conversationID]; ok {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationBusy)
	}
	if h.activeLocked(conversationID) != nil {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationBusy)
	}
	r := &Reservation{h: h, conversationID: conversationID}
	h.reserved[conversationID] = r
	return r, nil
}

// Release frees the slot if Start has not consumed it. It is safe to call
// more than once and on a nil reservation.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	if r.h.reserved[r.conversationID] == r {
		delete(r.h.reserved, r.conversationID)
	}
}

type StartParams struct {
	StreamID       string
	ConversationID string
	Produce        Producer
	// Reservation, when set, must hold ConversationID's slot; Start consumes it.
	Reservation *Reservation
}

// Start registers the stream and runs its producer detached from ctx: the
// caller going away does not cancel the run. Only Stop, the inactivity
// watchdog, or Close end it early, and all of them finalize it as errored.
// It fails with ErrConversationBusy while the conversation has a running
// stream or a reservation other than p.Reservation.
func (h *Hub) Start(ctx context.Context, p StartParams) (*Stream, error) {
	id := strings.TrimSpace(p.StreamID)
	if id == "" {
		return nil, fmt.Errorf("stream id required")
	}
	if p.Produce == nil {
		return nil, fmt.Errorf("producer required")
	}

	s := newStream(id, p.ConversationID, h.log)
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.cancel = cancel

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel(ErrHubClosed)
		return nil, ErrHubClosed
	}
	if existing, ok := h.streams[id]; ok {
		h.mu.Unlock()
		cancel(ErrStreamExists)
		return existing, fmt.Errorf("%s: %w", id, ErrStreamExists)
	}
	if conv := p.ConversationID; conv != "" {
		held := h.reserved[conv]
		if (held != nil && held != p.Reservation) || h.activeLocked(conv) != nil {
			h.mu.Unlock()
			cancel(ErrConversationBusy)
			return nil, fmt.Errorf("%s: %w", conv, ErrConversationBusy)
		}
		if held != nil {
			delete(h.reserved, conv)
		}
	}
	h.streams[id] = s
	h.wg.Add(1)
	h.mu.Unlock()

	stopOnClose := context.AfterFunc(h.base, func() { cancel(ErrHubClosed) })

	go func() {
		defer h.wg.Done()
		defer stopOnClose()
		h.run(runCtx, s, p.Produce)
	}()
	return s, nil
}

func (h *Hub) run(ctx context.Context, s *Stream, produce Producer) {
	logger := h.logger.With("stream_id", s.id, "chat_id", s.conversationID)
	enc := delta.NewEncoder(s)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go h.watch(watchCtx, s)

	err := produce(ctx, enc)
	stopWatch()
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	var finErr error
	if err != nil {
		s.markFailed()
		logger.Warn("stream producer failed", "err", err)
		finErr = enc.Fail(finCtx, fmt.Errorf("%w: %v", ErrProducer, err))
	} else {
		finErr = enc.Finish(finCtx)
	}
	if finErr != nil {
		logger.Error("stream finalize failed", "err", finErr)
		s.abort(fmt.Errorf("%w: %v", ErrProducer, finErr))
	}
	s.cancel(ErrStreamClosed)
	close(s.done)
	logger.Info("stream ended", "state", s.State(), "deltas", s.Len())

	time.AfterFunc(h.linger, func() { h.forget(s) })
}

// watch cancels the run when nothing was written for the inactivity window.
func (h *Hub) watch(ctx context.Context, s *Stream) {
	interval := h.inactivity / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.idleFor(now) > h.inactivity {
				s.cancel(ErrInactive)
				return
			}
		}
	}
}

func (h *Hub) forget(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.streams[s.id]; ok && cur == s {
		delete(h.streams, s.id)
	}
}

// Lookup returns the stream if it runs, or recently ran, in this process.
func (h *Hub) Lookup(streamID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[streamID]
	return s, ok
}

// ActiveStream returns the non-terminal stream of a conversation, if any.
func (h *Hub) ActiveStream(conversationID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.activeLocked(conversationID)
	return s, s != nil
}

func (h *Hub) activeLocked(conversationID string) *Stream {
	for _, s := range h.streams {
		if s.conversationID == conversationID && !s.State().Terminal() {
			return s
		}
	}
	return nil
}

// Stop cancels a running production run. The run is finalized as errored.
func (h *Hub) Stop(streamID string) error {
	s, ok := h.Lookup(streamID)
	if !ok {
		return fmt.Errorf("%s: %w", streamID, ErrResumeNotFound)
	}
	if s.State().Terminal() {
		return nil
	}
	s.cancel(ErrStopped)
	return nil
}

// StopRemote stops streamID here if it runs here, and otherwise publishes a
// stop request for the instance that runs it.
func (h *Hub) StopRemote(ctx context.Context, streamID string) error {
	if _, ok := h.Lookup(streamID); ok {
		return h.Stop(streamID)
	}
	if h.bus == nil {
		return fmt.Errorf("%s: %w", streamID, ErrStopUnsupported)
	}
	return h.bus.PublishStop(ctx, streamID)
}

func (h *Hub) stopLocal(streamID string) {
	s, ok := h.Lookup(streamID)
	if !ok || s.State().Terminal() {
		return
	}
	h.logger.Info("stop requested by another instance", "stream_id", streamID)
	s.cancel(ErrStopped)
}

// Resume returns a subscription yielding every delta with Seq > cursor.
// Streams running here are served from memory; otherwise the persisted log is
// replayed and then followed until a terminal delta or inactivity.
func (h *Hub) Resume(ctx context.Context, streamID string, cursor int64) (Subscription, error) {
	if cursor < 0 {
		cursor = 0
	}
	if s, ok := h.Lookup(streamID); ok {
		return s.Subscribe(cursor), nil
	}
	entries, err := h.log.Range(ctx, streamID, cursor)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", streamID, err)
	}
	sub := h.follow(streamID, cursor)
	sub.buf = entries
	if len(entries) > 0 {
		return sub, nil
	}
	all, err := h.log.Range(ctx, streamID, 0)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", streamID, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: %w", streamID, ErrResumeNotFound)
	}
	if streamlog.Terminated(all) {
		sub.done = true
	}
	return sub, nil
}

// Follow returns a log-following subscription for a stream registered by
// another instance whose first delta may not be persisted yet. It ends with
// ErrInactive when nothing arrives for the inactivity window.
func (h *Hub) Follow(streamID string, cursor int64) Subscription {
	if cursor < 0 {
		cursor = 0
	}
	return h.follow(streamID, cursor)
}

func (h *Hub) follow(streamID string, cursor int64) *logSubscription {
	return &logSubscription{
		log:        h.log,
		streamID:   streamID,
		cursor:     cursor,
		inactivity: h.inactivity,
		poll:       h.poll,
		lastSeen:   time.Now(),
	}
}

// Close cancels every running producer and waits for them to finalize.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancelBase(ErrHubClosed)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
