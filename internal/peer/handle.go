package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/signaling"
)

const (
	dataChannelLabel = "watchparty"
	sendTimeout      = 10 * time.Second
)

// Handle is one peer connection bound to one call id.
type Handle struct {
	callID    string
	initiator bool
	pc        *webrtc.PeerConnection
	signals   SignalSender
	events    Events
	logger    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	remoteSet bool
	pending   []signaling.Candidate
	dc        *webrtc.DataChannel

	connectOnce sync.Once
	endOnce     sync.Once
	closeOnce   sync.Once
	closing     bool
	closingMu   sync.Mutex
}

func newHandle(pc *webrtc.PeerConnection, opts ConnectionOptions, signals SignalSender, logger *logrus.Entry) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		callID:    opts.CallID,
		initiator: opts.Initiator,
		pc:        pc,
		signals:   signals,
		events:    opts.Events,
		logger:    logger.WithFields(logrus.Fields{"call_id": opts.CallID, "initiator": opts.Initiator}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Handle) CallID() string  { return h.callID }
func (h *Handle) Initiator() bool { return h.initiator }

func (h *Handle) ConnectionState() webrtc.PeerConnectionState {
	return h.pc.ConnectionState()
}

func (h *Handle) setup(stream *media.Stream) error {
	if stream != nil {
		for _, t := range stream.Tracks() {
			if _, err := h.pc.AddTrack(t.Local()); err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
		}
	}

	h.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		h.send(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	h.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h.logger.WithField("kind", track.Kind().String()).Info("remote track attached")
		if h.events.OnRemoteTrack != nil {
			h.events.OnRemoteTrack(track)
		}
	})

	h.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.logger.WithField("state", state.String()).Debug("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			h.connectOnce.Do(func() {
				if h.events.OnConnect != nil {
					h.events.OnConnect()
				}
			})
		case webrtc.PeerConnectionStateFailed:
			h.end(ErrICEFailed)
		case webrtc.PeerConnectionStateClosed:
			h.end(ErrPeerClosed)
		}
	})

	if h.initiator {
		dc, err := h.pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		h.attachData(dc)
	} else {
		h.pc.OnDataChannel(h.attachData)
	}
	return nil
}

func (h *Handle) attachData(dc *webrtc.DataChannel) {
	h.mu.Lock()
	h.dc = dc
	h.mu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.events.OnData != nil {
			h.events.OnData(msg.Data)
		}
	})
}

// SendData writes to the data channel once it is open.
func (h *Handle) SendData(b []byte) error {
	h.mu.Lock()
	dc := h.dc
	h.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("peer: data channel not open")
	}
	return dc.Send(b)
}

// end reports an unexpected termination exactly once. Closes requested
// through Close are not reported.
func (h *Handle) end(err error) {
	h.closingMu.Lock()
	closing := h.closing
	h.closingMu.Unlock()
	if closing {
		return
	}
	h.endOnce.Do(func() {
		h.logger.WithError(err).Warn("peer connection ended")
		if errors.Is(err, ErrPeerClosed) && h.events.OnClose != nil {
			h.events.OnClose()
			return
		}
		if h.events.OnError != nil {
			h.events.OnError(err)
		}
	})
}

func (h *Handle) send(sig signaling.Signal) {
	ctx, cancel := context.WithTimeout(h.ctx, sendTimeout)
	defer cancel()
	if err := h.signals.Send(ctx, sig, h.callID, h.initiator); err != nil {
		h.logger.WithError(err).WithField("kind", sig.Kind()).Warn("signal send failed")
	}
}

func (h *Handle) sendOffer(ctx context.Context) error {
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.send(signaling.Offer{SDP: offer.SDP})
	return nil
}

// ApplySignal feeds an inbound signal into the connection. Candidates that
// arrive before the remote description are queued and flushed once it is
// set. Failures are logged and returned but never tear the connection down.
func (h *Handle) ApplySignal(env signaling.Envelope) error {
	if env.CallID != h.callID {
		h.logger.WithField("signal_call_id", env.CallID).Debug("dropping signal for another call")
		return ErrStaleSignal
	}
	if h.ctx.Err() != nil {
		return ErrHandleClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	switch s := env.Signal.(type) {
	case signaling.Offer:
		err = h.applyOffer(s)
	case signaling.Answer:
		err = h.applyAnswer(s)
	case signaling.Candidate:
		err = h.applyCandidate(s)
	default:
		err = fmt.Errorf("%w: %T", signaling.ErrUnknownKind, env.Signal)
	}
	if err != nil {
		h.logger.WithError(err).WithField("kind", env.Signal.Kind()).Debug("signal not applied")
	}
	return err
}

func (h *Handle) applyOffer(s signaling.Offer) error {
	if h.initiator {
		return errors.New("initiator ignores remote offers")
	}
	if rd := h.pc.RemoteDescription(); rd != nil && rd.SDP == s.SDP {
		return nil
	}
	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	h.remoteSet = true

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	h.send(signaling.Answer{SDP: answer.SDP})
	h.flushLocked()
	return nil
}

func (h *Handle) applyAnswer(s signaling.Answer) error {
	if !h.initiator {
		return errors.New("receiver ignores remote answers")
	}
	if h.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// duplicate delivery of an answer already applied
		return nil
	}
	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	h.remoteSet = true
	h.flushLocked()
	return nil
}

func (h *Handle) applyCandidate(s signaling.Candidate) error {
	if !h.remoteSet {
		h.pending = append(h.pending, s)
		return nil
	}
	return h.addCandidate(s)
}

func (h *Handle) addCandidate(s signaling.Candidate) error {
	err := h.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        s.Candidate,
		SDPMid:           s.SDPMid,
		SDPMLineIndex:    s.SDPMLineIndex,
		UsernameFragment: s.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (h *Handle) flushLocked() {
	pending := h.pending
	h.pending = nil
	for _, c := range pending {
		if err := h.addCandidate(c); err != nil {
			h.logger.WithError(err).Debug("queued candidate rejected")
		}
	}
}

// PendingCandidates reports how many candidates wait for a remote description.
func (h *Handle) PendingCandidates() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close tears the connection down without reporting it as a failure.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closingMu.Lock()
		h.closing = true
		h.closingMu.Unlock()
		h.cancel()
		err = h.pc.Close()
	})
	return err
}
