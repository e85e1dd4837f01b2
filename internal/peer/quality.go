package peer

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultQualityInterval = 2500 * time.Millisecond

// Quality is one connection quality sample. Level 0 means no live transport,
// 4 is best.
type Quality struct {
	Level         int
	LatencyMs     float64
	PacketLossPct float64
	At            time.Time
}

// LevelFor maps round-trip time and packet loss onto the 1-4 scale.
func LevelFor(latencyMs, lossPct float64) int {
	switch {
	case latencyMs > 500 || lossPct > 10:
		return 1
	case latencyMs > 200 || lossPct > 5:
		return 2
	case latencyMs > 100 || lossPct > 2:
		return 3
	default:
		return 4
	}
}

type packetCounters struct {
	lost     float64
	received float64
}

// sampleFromReport derives a sample from a stats report. Loss is computed on
// the delta since prev so a bad minute long ago does not pin the level.
func sampleFromReport(report webrtc.StatsReport, prev packetCounters, now time.Time) (Quality, packetCounters) {
	q := Quality{At: now}

	var rtt float64
	havePair := false
	var cur packetCounters
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if pairUsable(st) && (!havePair || st.Nominated) {
				rtt = st.CurrentRoundTripTime
				havePair = true
			}
		case *webrtc.ICECandidatePairStats:
			if pairUsable(*st) && (!havePair || st.Nominated) {
				rtt = st.CurrentRoundTripTime
				havePair = true
			}
		case webrtc.InboundRTPStreamStats:
			cur.lost += float64(st.PacketsLost)
			cur.received += float64(st.PacketsReceived)
		case *webrtc.InboundRTPStreamStats:
			cur.lost += float64(st.PacketsLost)
			cur.received += float64(st.PacketsReceived)
		}
	}
	if !havePair {
		return q, cur
	}

	q.LatencyMs = rtt * 1000
	lost := cur.lost - prev.lost
	received := cur.received - prev.received
	if lost < 0 || received < 0 {
		// counters reset after a renegotiation
		lost, received = cur.lost, cur.received
	}
	if total := lost + received; total > 0 {
		q.PacketLossPct = lost / total * 100
	}
	q.Level = LevelFor(q.LatencyMs, q.PacketLossPct)
	return q, cur
}

func pairUsable(st webrtc.ICECandidatePairStats) bool {
	return st.State == webrtc.StatsICECandidatePairStateSucceeded
}

// MonitorQuality samples the connection every interval until ctx ends or the
// handle closes. The channel is closed when sampling stops.
func (h *Handle) MonitorQuality(ctx context.Context, interval time.Duration) <-chan Quality {
	if interval <= 0 {
		interval = DefaultQualityInterval
	}
	out := make(chan Quality, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev packetCounters
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.ctx.Done():
				return
			case now := <-ticker.C:
				var q Quality
				q, prev = sampleFromReport(h.pc.GetStats(), prev, now)
				select {
				case out <- q:
				default:
					// reader is behind; drop the stale sample
					select {
					case <-out:
					default:
					}
					out <- q
				}
			}
		}
	}()
	return out
}
