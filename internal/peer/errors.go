package peer

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/mossy-p/watchparty/internal/media"
)

var (
	ErrICEFailed    = errors.New("peer: ice connection failed")
	ErrPeerClosed   = errors.New("peer: connection closed unexpectedly")
	ErrStaleSignal  = errors.New("peer: signal belongs to another call")
	ErrHandleClosed = errors.New("peer: handle closed")
	ErrNoMedia      = errors.New("peer: no usable local media")
)

// Severity tells the call coordinator whether a failure is worth a reconnect.
type Severity int

const (
	Fatal Severity = iota
	Recoverable
)

func (s Severity) String() string {
	if s == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// Classify sorts connection errors into transient network trouble (ICE,
// transport, timeouts) and everything else.
func Classify(err error) Severity {
	if err == nil {
		return Recoverable
	}
	switch {
	case errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrDeviceNotFound),
		errors.Is(err, ErrNoMedia),
		errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, ErrICEFailed),
		errors.Is(err, ErrPeerClosed),
		errors.Is(err, context.DeadlineExceeded):
		return Recoverable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Recoverable
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"ice", "timeout", "timed out", "dtls", "transport", "connection"} {
		if strings.Contains(msg, hint) {
			return Recoverable
		}
	}
	return Fatal
}
