package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/peer"
	"github.com/mossy-p/watchparty/internal/schedule"
	"github.com/mossy-p/watchparty/internal/signaling"
)

// Call notifications exchanged on the room's call topic.
const (
	EventRequest  = "call-request"
	EventAccepted = "call-accepted"
	EventRejected = "call-rejected"
	EventMissed   = "call-missed"
	EventEnded    = "call-ended"
)

const (
	DefaultRingTimeout    = 30 * time.Second
	DefaultConnectTimeout = 20 * time.Second
	DefaultBackoff        = time.Second
	DefaultMaxReconnects  = 3

	maxPendingSignals = 256
)

var errConnectTimeout = fmt.Errorf("connect: %w", context.DeadlineExceeded)

type notice struct {
	SenderID string `json:"senderId"`
	Call     Call   `json:"call"`
}

// Link is one live peer connection. *peer.Handle implements it.
type Link interface {
	ApplySignal(signaling.Envelope) error
	Close() error
}

type Dialer func(ctx context.Context, opts peer.ConnectionOptions) (Link, error)

// ManagerDialer dials through m using the provider's current ICE config.
// onHandle, if set, sees every handle created.
func ManagerDialer(m *peer.Manager, p *ice.Provider, onHandle func(*peer.Handle)) Dialer {
	return func(ctx context.Context, opts peer.ConnectionOptions) (Link, error) {
		if p != nil {
			opts.ICE = p.Get(ctx)
		} else {
			opts.ICE = ice.Fallback()
		}
		h, err := m.CreateConnection(ctx, opts)
		if err != nil {
			return nil, err
		}
		if onHandle != nil {
			onHandle(h)
		}
		return h, nil
	}
}

// MediaSource owns the local camera and microphone. *peer.Manager
// implements it.
type MediaSource interface {
	AcquireLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error)
	ReleaseLocalMedia()
}

// SignalRouter is the part of *signaling.Channel the coordinator drives.
type SignalRouter interface {
	SetActiveCall(callID string)
	Subscribe(ctx context.Context, onSignal func(signaling.Envelope)) error
	CatchUp(ctx context.Context) error
	Cleanup(ctx context.Context, callID string) error
	Reset(ctx context.Context, callID string, initiator bool) error
	Attempt(callID string) int
}

// Snapshot is what OnState observers receive after every transition.
type Snapshot struct {
	State    State
	Call     *Call
	Err      error
	Failures int
}

type Options struct {
	RoomID    string
	SelfID    string
	PartnerID string

	Store   Store
	Bus     bus.Bus
	Signals SignalRouter
	Media   MediaSource
	Dial    Dialer

	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	// Heartbeat is how often a live call record is refreshed. Defaults to
	// half the connect timeout.
	Heartbeat     time.Duration
	Backoff       time.Duration
	MaxReconnects int

	OnState       func(Snapshot)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnData        func([]byte)

	Logger *logrus.Entry
	Now    func() time.Time
}

// Coordinator runs the call state machine for one user in one room.
// Every handler re-checks the current state and call id, so duplicate
// notifications are harmless.
type Coordinator struct {
	roomID  string
	selfID  string
	store   Store
	bus     bus.Bus
	signals SignalRouter
	media   MediaSource
	dial    Dialer
	logger  *logrus.Entry
	now     func() time.Time

	ringTimeout    time.Duration
	connectTimeout time.Duration
	heartbeat      time.Duration
	onState        func(Snapshot)
	onRemoteTrack  func(*webrtc.TrackRemote)
	onData         func([]byte)

	ringTimer      *schedule.Task
	connectTimer   *schedule.Task
	reconnectTimer *schedule.Task

	// applyMu keeps signal delivery ordered across the dispatch goroutine
	// and the post-dial flush of buffered signals.
	applyMu sync.Mutex

	mu      sync.Mutex
	state   State
	partner string
	call    *Call
	caller  bool
	stream  *media.Stream
	link    Link
	linkGen uint64
	pending []signaling.Envelope
	retry   *Retry
	lastErr error
	hookQ   []Snapshot
	sub     bus.Subscription
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	hookWake chan struct{}
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = opts.ConnectTimeout / 2
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		roomID:         opts.RoomID,
		selfID:         opts.SelfID,
		store:          opts.Store,
		bus:            opts.Bus,
		signals:        opts.Signals,
		media:          opts.Media,
		dial:           opts.Dial,
		logger:         logger.WithFields(logrus.Fields{"component": "call", "room_id": opts.RoomID}),
		now:            opts.Now,
		ringTimeout:    opts.RingTimeout,
		connectTimeout: opts.ConnectTimeout,
		heartbeat:      opts.Heartbeat,
		onState:        opts.OnState,
		onRemoteTrack:  opts.OnRemoteTrack,
		onData:         opts.OnData,
		state:          StateIdle,
		partner:        opts.PartnerID,
		retry:          NewRetry(opts.MaxReconnects, opts.Backoff),
		ctx:            ctx,
		cancel:         cancel,
		hookWake:       make(chan struct{}, 1),
	}
	c.ringTimer = schedule.NewTask(c.onRingTimeout)
	c.connectTimer = schedule.NewTask(c.onConnectTimeout)
	c.reconnectTimer = schedule.NewTask(c.reconnect)
	return c
}

// Start subscribes to call notifications and signals, then looks for a call
// that was placed while this side was not listening.
func (c *Coordinator) Start(ctx context.Context) error {
	go c.runHooks()
	go c.runHeartbeat()

	sub, err := c.bus.Subscribe(ctx, bus.CallTopic(c.roomID), c.onNotice)
	if err != nil {
		return fmt.Errorf("subscribe call topic: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	if err := c.signals.Subscribe(ctx, c.onSignal); err != nil {
		c.logger.WithError(err).Warn("signal subscription incomplete")
	}
	c.checkIncoming(ctx)
	return nil
}

// Close tears down any call locally without notifying the partner.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var id string
	if c.call != nil {
		id = c.call.ID
	}
	link := c.teardownLocked()
	c.state = StateIdle
	sub := c.sub
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id != "" {
		c.release(ctx, id, link)
	}
	if sub != nil {
		_ = sub.Close()
	}
	c.cancel()
	return nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the call in progress, if any.
func (c *Coordinator) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return Call{}, false
	}
	return *c.call, true
}

// SetPartner records the room partner once they join.
func (c *Coordinator) SetPartner(id string) {
	c.mu.Lock()
	c.partner = id
	c.mu.Unlock()
}

func constraintsFor(t Type) media.Constraints {
	return media.Constraints{Audio: true, Video: t == TypeVideo}
}

// InitiateCall places a call to the partner. It is valid from idle, or
// from failed after a previous call gave up.
func (c *Coordinator) InitiateCall(ctx context.Context, t Type) (Call, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return Call{}, fmt.Errorf("%w: initiate from %s", ErrInvalidState, state)
	}
	partner := c.partner
	if partner == "" {
		c.mu.Unlock()
		return Call{}, ErrNoPartner
	}
	c.lastErr = nil
	c.setStateLocked(StateRequesting)
	c.mu.Unlock()

	stream, err := c.media.AcquireLocalMedia(ctx, constraintsFor(t))
	if err != nil {
		c.abortRequest(err)
		return Call{}, err
	}

	rec := Call{
		ID:         uuid.NewString(),
		RoomID:     c.roomID,
		CallerID:   c.selfID,
		ReceiverID: partner,
		Type:       t,
		Status:     StateCalling,
		CreatedAt:  c.now().UTC(),
	}
	rec, err = c.store.Create(ctx, rec, c.staleness())
	if err != nil {
		c.media.ReleaseLocalMedia()
		c.abortRequest(err)
		if errors.Is(err, ErrCallActive) {
			// the partner may have called first
			c.checkIncoming(ctx)
		}
		return Call{}, err
	}

	c.mu.Lock()
	if c.state != StateRequesting {
		c.mu.Unlock()
		c.media.ReleaseLocalMedia()
		if _, err := c.store.SetStatus(ctx, rec.ID, StateEnded); err != nil {
			c.logger.WithError(err).Warn("failed to close abandoned call")
		}
		return Call{}, fmt.Errorf("%w: call abandoned while requesting", ErrInvalidState)
	}
	c.call = &rec
	c.caller = true
	c.stream = stream
	c.retry.Reset()
	c.signals.SetActiveCall(rec.ID)
	c.ringTimer.Reschedule(c.ringTimeout)
	c.setStateLocked(StateCalling)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"call_id": rec.ID, "call_type": t, "receiver_id": partner}).Info("calling partner")
	c.notify(ctx, EventRequest, rec)
	return rec, nil
}

func (c *Coordinator) abortRequest(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRequesting {
		c.lastErr = err
		c.setStateLocked(StateIdle)
	}
}

// AcceptCall answers a ringing call.
func (c *Coordinator) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || c.call == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrInvalidState, state)
	}
	rec := *c.call
	c.ringTimer.Cancel()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	stream, err := c.media.AcquireLocalMedia(ctx, constraintsFor(rec.Type))
	if err != nil {
		c.finish(ctx, rec.ID, StateFailed, err, EventEnded)
		return err
	}

	c.mu.Lock()
	if !c.currentLocked(rec.ID) || c.state != StateConnecting {
		c.mu.Unlock()
		c.media.ReleaseLocalMedia()
		return fmt.Errorf("%w: call ended while accepting", ErrInvalidState)
	}
	c.stream = stream
	c.mu.Unlock()

	if _, err := c.store.SetStatus(ctx, rec.ID, StateConnecting); err != nil {
		c.logger.WithError(err).WithField("call_id", rec.ID).Warn("failed to record acceptance")
	}
	c.signals.SetActiveCall(rec.ID)
	c.dialLink(ctx, rec.ID)
	c.notify(ctx, EventAccepted, rec)
	c.catchUp(ctx)
	return nil
}

// RejectCall declines a ringing call.
func (c *Coordinator) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || c.call == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: reject from %s", ErrInvalidState, state)
	}
	id := c.call.ID
	c.mu.Unlock()

	c.finish(ctx, id, StateRejected, nil, EventRejected)
	return nil
}

// EndCall hangs up from any non-idle state.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to end", ErrInvalidState)
	}
	if c.call == nil {
		c.lastErr = nil
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return nil
	}
	id := c.call.ID
	c.mu.Unlock()

	c.finish(ctx, id, StateEnded, nil, EventEnded)
	return nil
}

// MarkConnected moves a connecting call to connected. It normally runs
// from the link's connect event.
func (c *Coordinator) MarkConnected() error {
	c.mu.Lock()
	gen := c.linkGen
	ok := c.state == StateConnecting || c.state == StateReconnecting
	c.mu.Unlock()
	if !ok {
		return ErrInvalidState
	}
	c.onLinkConnected(gen)
	return nil
}

func (c *Coordinator) onNotice(msg bus.Message) {
	var n notice
	if err := msg.Decode(&n); err != nil {
		c.logger.WithError(err).WithField("event", msg.Event).Warn("undecodable call notice")
		return
	}
	if n.SenderID == c.selfID || n.Call.RoomID != c.roomID {
		return
	}

	switch msg.Event {
	case EventRequest:
		c.onIncoming(n.Call)
	case EventAccepted:
		c.onAccepted(n.Call)
	case EventRejected:
		c.onRemoteFinished(n.Call, StateRejected)
	case EventMissed:
		c.onRemoteFinished(n.Call, StateMissed)
	case EventEnded:
		c.onRemoteFinished(n.Call, StateEnded)
	}
}

// checkIncoming is the durable fallback for a missed call-request broadcast.
func (c *Coordinator) checkIncoming(ctx context.Context) {
	rec, ok, err := c.store.Active(ctx, c.roomID)
	if err != nil {
		c.logger.WithError(err).Warn("active call lookup failed")
		return
	}
	if ok && rec.Status == StateCalling {
		c.onIncoming(rec)
	}
}

func (c *Coordinator) onIncoming(rec Call) {
	if rec.ReceiverID != c.selfID {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.state != StateIdle && c.state != StateFailed {
		if c.call == nil || c.call.ID != rec.ID {
			c.logger.WithField("call_id", rec.ID).Info("busy, ignoring incoming call")
		}
		return
	}
	if rec.Status.Terminal() || rec.stale(now, c.staleness()) {
		return
	}

	if c.partner == "" {
		c.partner = rec.CallerID
	}
	remaining := c.ringTimeout - now.Sub(rec.CreatedAt)
	if remaining > c.ringTimeout {
		remaining = c.ringTimeout
	}
	c.call = &rec
	c.caller = false
	c.lastErr = nil
	c.retry.Reset()
	c.ringTimer.Reschedule(remaining)
	c.setStateLocked(StateRinging)
	c.logger.WithFields(logrus.Fields{"call_id": rec.ID, "caller_id": rec.CallerID}).Info("incoming call")
}

func (c *Coordinator) onAccepted(rec Call) {
	c.mu.Lock()
	if !c.currentLocked(rec.ID) || !c.caller || c.state != StateCalling {
		c.mu.Unlock()
		c.logger.WithField("call_id", rec.ID).Debug("ignoring call-accepted")
		return
	}
	c.ringTimer.Cancel()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.dialLink(c.ctx, rec.ID)
}

func (c *Coordinator) onRemoteFinished(rec Call, terminal State) {
	c.mu.Lock()
	ok := c.currentLocked(rec.ID)
	c.mu.Unlock()
	if ok {
		c.finish(c.ctx, rec.ID, terminal, nil, "")
	}
}

func (c *Coordinator) onRingTimeout() {
	c.mu.Lock()
	if c.call == nil || !c.state.Ringing() {
		c.mu.Unlock()
		return
	}
	id := c.call.ID
	c.mu.Unlock()

	c.logger.WithField("call_id", id).Info("call not answered")
	c.finish(c.ctx, id, StateMissed, nil, EventMissed)
}

// dialLink creates the peer connection for the current call and flushes
// any signals that arrived while there was none.
func (c *Coordinator) dialLink(ctx context.Context, callID string) {
	c.mu.Lock()
	if !c.currentLocked(callID) || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	stream, initiator := c.stream, c.caller
	c.linkGen++
	gen := c.linkGen
	c.connectTimer.Reschedule(c.connectTimeout)
	c.mu.Unlock()

	link, err := c.dial(ctx, peer.ConnectionOptions{
		CallID:    callID,
		Initiator: initiator,
		Stream:    stream,
		Events:    c.eventsFor(gen),
	})
	if err != nil {
		c.logger.WithError(err).WithField("call_id", callID).Warn("peer connection setup failed")
		c.onLinkFailure(gen, err)
		return
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if !c.currentLocked(callID) || gen != c.linkGen {
		c.mu.Unlock()
		_ = link.Close()
		return
	}
	c.link = link
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// signals buffered during backoff may belong to the failed attempt
	attempt := c.signals.Attempt(callID)
	for _, env := range pending {
		if env.Attempt < attempt {
			continue
		}
		c.apply(link, env)
	}
}

func (c *Coordinator) eventsFor(gen uint64) peer.Events {
	// handlers run off the connection's callback goroutine
	return peer.Events{
		OnConnect:     func() { go c.onLinkConnected(gen) },
		OnClose:       func() { go c.onLinkFailure(gen, peer.ErrPeerClosed) },
		OnError:       func(err error) { go c.onLinkFailure(gen, err) },
		OnRemoteTrack: c.onRemoteTrack,
		OnData:        c.onData,
	}
}

func (c *Coordinator) onLinkConnected(gen uint64) {
	c.mu.Lock()
	if gen != c.linkGen || c.call == nil || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.connectTimer.Cancel()
	c.retry.Reset()
	c.lastErr = nil
	id := c.call.ID
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.WithField("call_id", id).Info("call connected")
	if _, err := c.store.SetStatus(c.ctx, id, StateConnected); err != nil {
		c.logger.WithError(err).WithField("call_id", id).Warn("failed to record connection")
	}
}

func (c *Coordinator) onConnectTimeout() {
	c.mu.Lock()
	gen := c.linkGen
	c.mu.Unlock()
	c.onLinkFailure(gen, errConnectTimeout)
}

// onLinkFailure drives the bounded reconnect loop. Recoverable failures
// schedule a redial with the same call id and local stream; fatal ones and
// the last allowed failure end the call as failed.
func (c *Coordinator) onLinkFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.linkGen || c.call == nil {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
	default:
		c.mu.Unlock()
		return
	}
	id := c.call.ID
	link := c.link
	c.link = nil
	c.linkGen++
	c.connectTimer.Cancel()

	entry := c.logger.WithError(cause).WithField("call_id", id)
	if peer.Classify(cause) == peer.Fatal {
		c.mu.Unlock()
		closeLink(link)
		entry.Warn("fatal peer connection error")
		c.finish(c.ctx, id, StateFailed, cause, EventEnded)
		return
	}
	delay, ok := c.retry.Fail()
	if !ok {
		failures := c.retry.Failures()
		c.mu.Unlock()
		closeLink(link)
		entry.WithField("failures", failures).Warn("giving up on reconnect")
		c.finish(c.ctx, id, StateFailed, fmt.Errorf("%w: %w", ErrRetryExceeded, cause), EventEnded)
		return
	}
	c.lastErr = cause
	c.setStateLocked(StateReconnecting)
	c.reconnectTimer.Reschedule(delay)
	failures := c.retry.Failures()
	c.mu.Unlock()

	closeLink(link)
	entry.WithFields(logrus.Fields{"failures": failures, "backoff": delay}).Info("reconnecting")
}

func (c *Coordinator) reconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.call == nil {
		c.mu.Unlock()
		return
	}
	id, initiator := c.call.ID, c.caller
	c.mu.Unlock()

	if err := c.signals.Reset(c.ctx, id, initiator); err != nil {
		c.logger.WithError(err).WithField("call_id", id).Debug("signal reset failed")
	}
	c.dialLink(c.ctx, id)
	c.catchUp(c.ctx)
}

func (c *Coordinator) onSignal(env signaling.Envelope) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if !c.currentLocked(env.CallID) {
		c.mu.Unlock()
		c.logger.WithField("signal_call_id", env.CallID).Debug("dropping stale signal")
		return
	}
	link := c.link
	if link == nil {
		if len(c.pending) < maxPendingSignals {
			c.pending = append(c.pending, env)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.apply(link, env)
}

func (c *Coordinator) apply(link Link, env signaling.Envelope) {
	if err := link.ApplySignal(env); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": env.CallID,
			"kind":    env.Signal.Kind(),
		}).Debug("signal not applied")
	}
}

func (c *Coordinator) catchUp(ctx context.Context) {
	if err := c.signals.CatchUp(ctx); err != nil {
		c.logger.WithError(err).Debug("signal catch-up failed")
	}
}

// finish moves the call to a terminal state, releases everything it holds
// and optionally tells the partner. Ended, missed and rejected settle back
// to idle; failed stays visible until the next call.
func (c *Coordinator) finish(ctx context.Context, id string, terminal State, cause error, event string) {
	c.mu.Lock()
	if !c.currentLocked(id) {
		c.mu.Unlock()
		return
	}
	rec := *c.call
	c.lastErr = cause
	c.setStateLocked(terminal)
	link := c.teardownLocked()
	if terminal != StateFailed {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	c.release(ctx, id, link)

	stored, err := c.store.SetStatus(ctx, id, terminal)
	if err != nil {
		c.logger.WithError(err).WithField("call_id", id).Warn("failed to record call outcome")
	} else {
		rec = stored
	}
	c.logger.WithFields(logrus.Fields{"call_id": id, "status": terminal, "duration": rec.Duration}).Info("call finished")
	if event != "" {
		c.notify(ctx, event, rec)
	}
}

// teardownLocked cancels timers and detaches call resources, returning the
// link to close outside the lock.
func (c *Coordinator) teardownLocked() Link {
	c.ringTimer.Cancel()
	c.connectTimer.Cancel()
	c.reconnectTimer.Cancel()

	link := c.link
	c.link = nil
	c.linkGen++
	c.pending = nil
	c.call = nil
	c.caller = false
	c.stream = nil
	c.retry.Reset()
	return link
}

func (c *Coordinator) release(ctx context.Context, id string, link Link) {
	closeLink(link)
	c.media.ReleaseLocalMedia()
	c.signals.SetActiveCall("")
	if err := c.signals.Cleanup(ctx, id); err != nil {
		c.logger.WithError(err).WithField("call_id", id).Debug("signal cleanup failed")
	}
}

func closeLink(l Link) {
	if l != nil {
		_ = l.Close()
	}
}

// staleness lets a record outlive a few missed heartbeats before another
// call may take the room.
func (c *Coordinator) staleness() Staleness {
	return Staleness{Ring: c.ringTimeout, Live: 2 * c.connectTimeout}
}

// runHeartbeat refreshes the live call record until the coordinator closes.
func (c *Coordinator) runHeartbeat() {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		var id string
		if c.call != nil && c.state.Live() {
			id = c.call.ID
		}
		c.mu.Unlock()
		if id == "" {
			continue
		}
		if _, err := c.store.Touch(c.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).WithField("call_id", id).Warn("call heartbeat failed")
		}
	}
}

func (c *Coordinator) currentLocked(id string) bool {
	return c.call != nil && c.call.ID == id
}

func (c *Coordinator) notify(ctx context.Context, event string, rec Call) {
	if err := c.bus.Send(ctx, bus.CallTopic(c.roomID), event, notice{SenderID: c.selfID, Call: rec}); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"call_id": rec.ID, "event": event}).Warn("call notice not sent")
	}
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("call state")
	c.state = s
	if c.onState == nil {
		return
	}
	snap := Snapshot{State: s, Err: c.lastErr, Failures: c.retry.Failures()}
	if c.call != nil {
		rec := *c.call
		snap.Call = &rec
	}
	c.hookQ = append(c.hookQ, snap)
	select {
	case c.hookWake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) runHooks() {
	for {
		select {
		case <-c.hookWake:
		case <-c.ctx.Done():
			return
		}
		for {
			c.mu.Lock()
			if len(c.hookQ) == 0 {
				c.mu.Unlock()
				break
			}
			snap := c.hookQ[0]
			c.hookQ = c.hookQ[1:]
			c.mu.Unlock()
			c.onState(snap)
		}
	}
}
