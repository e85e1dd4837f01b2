// Package ice supplies STUN/TURN configuration to peer connections.
package ice

import (
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/config"
)

const (
	ModeSTUNTURN = "stun-turn"
	ModeSTUNOnly = "stun-only"
	ModeTURNOnly = "turn-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// Server describes one STUN/TURN entry in the browser's RTCIceServer shape.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config is what the ICE config endpoint returns.
type Config struct {
	ICEServers           []Server `json:"iceServers"`
	ICECandidatePoolSize uint8    `json:"iceCandidatePoolSize"`
}

// Fallback is the STUN-only configuration used whenever nothing better is known.
func Fallback() Config {
	return Config{ICEServers: []Server{{URLs: append([]string(nil), defaultSTUN...)}}}
}

// Validate checks the structural requirements of a fetched config.
func (c Config) Validate() error {
	if len(c.ICEServers) == 0 {
		return errors.New("ice: no servers")
	}
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("ice: server without urls")
		}
	}
	return nil
}

// WebRTC converts to the pion configuration.
func (c Config) WebRTC() webrtc.Configuration {
	out := webrtc.Configuration{ICECandidatePoolSize: c.ICECandidatePoolSize}
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out
}

// FromSettings builds the served configuration from ICE_* settings.
// turn-only without TURN servers degrades to the default STUN list.
func FromSettings(s config.ICEConfig, logger *logrus.Entry) Config {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	mode := strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "" {
		mode = ModeSTUNTURN
	}
	turnOnly := mode == ModeTURNOnly
	stunOnly := mode == ModeSTUNOnly

	var servers []Server
	if !turnOnly {
		stun := s.STUNURLs
		if len(stun) == 0 {
			stun = defaultSTUN
		}
		servers = append(servers, Server{URLs: stun})
	}

	if !stunOnly {
		if len(s.TURNURLs) > 0 {
			servers = append(servers, Server{
				URLs:       s.TURNURLs,
				Username:   s.TURNUsername,
				Credential: s.TURNPassword,
			})
		} else if !turnOnly {
			logger.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, Server{URLs: defaultSTUN})
	}

	pool := s.CandidatePoolSize
	if pool < 0 {
		pool = 0
	}
	if pool > 255 {
		pool = 255
	}
	return Config{ICEServers: servers, ICECandidatePoolSize: uint8(pool)}
}
