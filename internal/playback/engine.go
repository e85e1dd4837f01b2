package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/schedule"
)

const EventState = "playback-state"

const (
	DefaultRateLimit      = 500 * time.Millisecond
	DefaultSyncInterval   = 2 * time.Second
	DefaultDriftThreshold = 1.2
	DefaultSyncingFor     = 750 * time.Millisecond
	DefaultBufferingLimit = 3
)

var ErrNotHost = errors.New("playback: only the host may update shared state")

// Player is the local media element being kept in sync.
type Player interface {
	CurrentTime() float64
	Seek(pos float64) error
	Play() error
	Pause() error
	Playing() bool
	SetRate(rate float64) error
}

// Loader is implemented by players that can switch sources.
type Loader interface {
	Source() (sourceType, url string)
	Load(sourceType, url string, duration float64)
}

// StatusReporter receives the local presence status. *presence.Tracker
// implements it.
type StatusReporter interface {
	SetStatus(ctx context.Context, s bus.Status) error
}

type Options struct {
	RoomID string
	SelfID string
	Host   bool

	Bus    bus.Bus
	Store  Store
	Player Player
	Status StatusReporter

	RateLimit      time.Duration
	SyncInterval   time.Duration
	DriftThreshold float64
	SyncingFor     time.Duration
	BufferingLimit int

	OnState            func(State)
	OnSyncing          func(bool)
	OnBufferingWarning func(count int)

	Logger *logrus.Entry
	Now    func() time.Time
}

type Engine struct {
	roomID string
	selfID string
	host   bool
	bus    bus.Bus
	store  Store
	player Player
	status StatusReporter
	logger *logrus.Entry
	now    func() time.Time

	rateLimit      time.Duration
	syncInterval   time.Duration
	driftThreshold float64
	syncingFor     time.Duration
	bufferingLimit int

	onState            func(State)
	onSyncing          func(bool)
	onBufferingWarning func(int)

	trailing   *schedule.Task
	syncingOff *schedule.Task

	mu        sync.Mutex
	state     State
	lastSent  time.Time
	syncing   bool
	buffering int
	warned    bool
	sub       bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(opts Options) *Engine {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = DefaultDriftThreshold
	}
	if opts.SyncingFor <= 0 {
		opts.SyncingFor = DefaultSyncingFor
	}
	if opts.BufferingLimit <= 0 {
		opts.BufferingLimit = DefaultBufferingLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		roomID:             opts.RoomID,
		selfID:             opts.SelfID,
		host:               opts.Host,
		bus:                opts.Bus,
		store:              opts.Store,
		player:             opts.Player,
		status:             opts.Status,
		logger:             logger.WithFields(logrus.Fields{"component": "playback", "room_id": opts.RoomID, "host": opts.Host}),
		now:                opts.Now,
		rateLimit:          opts.RateLimit,
		syncInterval:       opts.SyncInterval,
		driftThreshold:     opts.DriftThreshold,
		syncingFor:         opts.SyncingFor,
		bufferingLimit:     opts.BufferingLimit,
		onState:            opts.OnState,
		onSyncing:          opts.OnSyncing,
		onBufferingWarning: opts.OnBufferingWarning,
		state:              State{PlaybackRate: 1},
		ctx:                ctx,
		cancel:             cancel,
	}
	e.trailing = schedule.NewTask(e.flushTrailing)
	e.syncingOff = schedule.NewTask(func() { e.setSyncing(false) })
	return e
}

// Start listens for broadcasts. A non-host first reconciles against the
// stored snapshot so it does not wait for the next broadcast.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, bus.PlaybackTopic(e.roomID), e.onMessage)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	if !e.host && e.store != nil {
		snap, ok, err := e.store.Load(ctx, e.roomID)
		if err != nil {
			e.logger.WithError(err).Warn("playback snapshot unavailable")
		} else if ok {
			e.HandleRemote(snap)
		}
	}
	return nil
}

// Close sends any pending trailing broadcast and stops listening.
func (e *Engine) Close() error {
	e.trailing.Flush()
	e.syncingOff.Cancel()
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	e.cancel()
	return nil
}

func (e *Engine) IsHost() bool { return e.host }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// UpdateState merges p into the shared state, stamps it and broadcasts it.
// Broadcasts are limited to one per rate-limit window; updates inside the
// window are coalesced into a single trailing broadcast.
func (e *Engine) UpdateState(ctx context.Context, p Partial) (State, error) {
	if !e.host {
		return State{}, ErrNotHost
	}
	now := e.now()

	e.mu.Lock()
	next := e.state.Merge(p)
	if next.PlaybackRate <= 0 {
		next.PlaybackRate = 1
	}
	next.UpdatedAt = now.UnixMilli()
	next.UpdatedBy = e.selfID
	e.state = next

	sendNow := false
	if !e.trailing.Pending() {
		if since := now.Sub(e.lastSent); since >= e.rateLimit {
			sendNow = true
			e.lastSent = now
		} else {
			e.trailing.ScheduleIfIdle(e.rateLimit - since)
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(ctx, e.roomID, next); err != nil {
			e.logger.WithError(err).Warn("playback snapshot not saved")
		}
	}
	if sendNow {
		e.broadcast(ctx, next)
	}
	e.reportStatus(ctx, next)
	if e.onState != nil {
		e.onState(next)
	}
	return next, nil
}

func (e *Engine) flushTrailing() {
	e.mu.Lock()
	st := e.state
	e.lastSent = e.now()
	e.mu.Unlock()
	e.broadcast(e.ctx, st)
}

func (e *Engine) broadcast(ctx context.Context, st State) {
	if err := e.bus.Send(ctx, bus.PlaybackTopic(e.roomID), EventState, st); err != nil {
		e.logger.WithError(err).Debug("playback broadcast failed")
	}
}

// StartPeriodicSync re-broadcasts the position every sync interval while
// playing. A nil getCurrentTime reads the local player.
func (e *Engine) StartPeriodicSync(ctx context.Context, getCurrentTime func() float64) (stop func(), err error) {
	if !e.host {
		return nil, ErrNotHost
	}
	if getCurrentTime == nil {
		if e.player == nil {
			return nil, errors.New("playback: no position source")
		}
		getCurrentTime = e.player.CurrentTime
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if !e.State().IsPlaying {
					continue
				}
				pos := getCurrentTime()
				if _, err := e.UpdateState(ctx, Partial{CurrentTime: &pos}); err != nil {
					e.logger.WithError(err).Debug("periodic sync failed")
				}
			}
		}
	}()
	return cancel, nil
}

func (e *Engine) onMessage(msg bus.Message) {
	if msg.Event != EventState {
		return
	}
	var st State
	if err := msg.Decode(&st); err != nil {
		e.logger.WithError(err).Debug("undecodable playback state")
		return
	}
	e.HandleRemote(st)
}

// HandleRemote adopts a state broadcast by the host and reconciles the
// local player. It reports whether a corrective seek happened.
func (e *Engine) HandleRemote(st State) bool {
	if st.UpdatedBy == e.selfID {
		return false
	}
	if e.host {
		e.logger.WithField("updated_by", st.UpdatedBy).Warn("host ignoring playback state from guest")
		return false
	}

	e.mu.Lock()
	if st.UpdatedAt < e.state.UpdatedAt {
		e.mu.Unlock()
		return false
	}
	e.state = st
	e.mu.Unlock()

	if e.onState != nil {
		e.onState(st)
	}
	if e.player == nil {
		return false
	}

	if l, ok := e.player.(Loader); ok && st.SourceURL != "" {
		if typ, url := l.Source(); typ != st.SourceType || url != st.SourceURL {
			l.Load(st.SourceType, st.SourceURL, 0)
		}
	}
	if err := e.player.SetRate(st.rate()); err != nil {
		e.logger.WithError(err).Debug("rate not applied")
	}
	seeked := e.Reconcile()
	e.applyPlaying(st.IsPlaying)
	e.reportStatus(e.ctx, st)
	return seeked
}

func (e *Engine) applyPlaying(playing bool) {
	if e.player.Playing() == playing {
		return
	}
	var err error
	if playing {
		err = e.player.Play()
	} else {
		err = e.player.Pause()
	}
	if err != nil {
		e.logger.WithError(err).WithField("playing", playing).Debug("play state not applied")
	}
}

// Reconcile seeks the local player to the expected position when drift
// exceeds the threshold. A failed seek is left for the next tick.
func (e *Engine) Reconcile() bool {
	if e.player == nil {
		return false
	}
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st.UpdatedAt == 0 {
		return false
	}

	now := e.now()
	local := e.player.CurrentTime()
	expected := st.ExpectedPosition(now)
	drift := Drift(local, st, now)
	if drift <= e.driftThreshold {
		return false
	}

	entry := e.logger.WithFields(logrus.Fields{"local": local, "expected": expected, "drift": drift})
	if err := e.player.Seek(expected); err != nil {
		entry.WithError(err).Debug("drift correction failed")
		return false
	}
	entry.Info("corrected drift")
	e.setSyncing(true)
	e.syncingOff.Reschedule(e.syncingFor)
	return true
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	if e.syncing == v {
		e.mu.Unlock()
		return
	}
	e.syncing = v
	e.mu.Unlock()
	if e.onSyncing != nil {
		e.onSyncing(v)
	}
}

// ReportBuffering counts a local buffering event. Going past the limit
// raises a single connection warning; playback speed is never adjusted.
func (e *Engine) ReportBuffering(ctx context.Context) int {
	e.mu.Lock()
	e.buffering++
	n := e.buffering
	warn := n > e.bufferingLimit && !e.warned
	if warn {
		e.warned = true
	}
	e.mu.Unlock()

	if e.status != nil {
		if err := e.status.SetStatus(ctx, bus.StatusBuffering); err != nil {
			e.logger.WithError(err).Debug("buffering status not published")
		}
	}
	if warn {
		e.logger.WithField("events", n).Warn("repeated buffering, connection may be poor")
		if e.onBufferingWarning != nil {
			e.onBufferingWarning(n)
		}
	}
	return n
}

// BufferingEnded restores the presence status after a stall.
func (e *Engine) BufferingEnded(ctx context.Context) {
	e.reportStatus(ctx, e.State())
}

func (e *Engine) reportStatus(ctx context.Context, st State) {
	if e.status == nil {
		return
	}
	s := bus.StatusPaused
	if st.IsPlaying {
		s = bus.StatusWatching
	}
	if err := e.status.SetStatus(ctx, s); err != nil {
		e.logger.WithError(err).Debug("presence status not published")
	}
}

// Discard drops the stored snapshot when the room ends.
func (e *Engine) Discard(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Delete(ctx, e.roomID)
}
