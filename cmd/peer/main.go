// Command peer is a headless watch-party participant: it joins a room,
// keeps a simulated player in sync with the host and takes part in calls.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/watchparty/config"
	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/call"
	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/logging"
	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/peer"
	"github.com/mossy-p/watchparty/internal/playback"
	"github.com/mossy-p/watchparty/internal/player"
	"github.com/mossy-p/watchparty/internal/presence"
	"github.com/mossy-p/watchparty/internal/redis"
	"github.com/mossy-p/watchparty/internal/signaling"
	"github.com/mossy-p/watchparty/internal/signallog"
	"github.com/mossy-p/watchparty/internal/statecache"
)

const (
	keyPrefix       = "watchparty"
	qualityInterval = 2500 * time.Millisecond
	pruneInterval   = time.Hour
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log)
	log := logger.WithFields(logrus.Fields{
		"service": "peer",
		"room_id": cfg.Peer.RoomID,
		"user_id": cfg.Peer.UserID,
	})

	if cfg.Peer.RoomID == "" || cfg.Peer.UserID == "" {
		log.Fatal("ROOM_ID and USER_ID are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("peer stopped")
	}
	log.Info("peer stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	pc := cfg.Peer

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	realtime := bus.NewRedis(rdb, keyPrefix, log)
	channel := signaling.NewChannel(signaling.Options{
		RoomID: pc.RoomID,
		SelfID: pc.UserID,
		Bus:    realtime,
		Log:    signallog.NewRedis(rdb, keyPrefix, log),
		Logger: log,
	})
	defer channel.Close()

	provider := ice.NewProvider(ice.ProviderOptions{
		Endpoint: strings.TrimSuffix(pc.ServerURL, "/") + "/api/ice-config",
		Logger:   log,
	})
	log.WithField("servers", len(provider.Get(ctx).ICEServers)).Info("ice config loaded")

	cache, closeCache := openCache(ctx, pc, log)
	defer closeCache()

	tracker := presence.NewTracker(realtime, pc.RoomID, pc.UserID, log)
	tracker.OnSync(func(members map[string]bus.PresenceMeta) {
		log.WithField("members", len(members)).Debug("presence synced")
	})
	if err := tracker.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracker.Leave(leaveCtx)
	}()

	video := player.NewSimulated(time.Now)
	resume(ctx, cache, video, log)

	engine := playback.NewEngine(playback.Options{
		RoomID: pc.RoomID,
		SelfID: pc.UserID,
		Host:   pc.IsHost,
		Bus:    realtime,
		Store:  playback.NewRedisStore(rdb, keyPrefix),
		Player: video,
		Status: tracker,
		OnState: func(st playback.State) {
			cache.SaveState(statecache.Partial{
				Position:  statecache.Float(st.CurrentTime),
				IsPlaying: statecache.Bool(st.IsPlaying),
				Media:     statecache.String(st.SourceURL),
			})
		},
		OnSyncing: func(syncing bool) {
			log.WithField("syncing", syncing).Debug("playback sync")
		},
		OnBufferingWarning: func(count int) {
			log.WithField("count", count).Warn("partner keeps buffering")
		},
		Logger: log,
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	manager := peer.NewManager(peer.ManagerOptions{
		Source:  media.Synthetic{NoCamera: call.ParseType(pc.CallType) == call.TypeVoice},
		Signals: channel,
		Logger:  log,
		OnNotice: func(n peer.Notice) {
			log.WithError(n.Err).Warn(n.Message)
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	var coord *call.Coordinator
	coord = call.NewCoordinator(call.Options{
		RoomID:      pc.RoomID,
		SelfID:      pc.UserID,
		PartnerID:   pc.PartnerID,
		Store:       call.NewRedisStore(rdb, keyPrefix, log),
		Bus:         realtime,
		Signals:     channel,
		Media:       manager,
		RingTimeout: pc.RingTimeout,
		Dial: call.ManagerDialer(manager, provider, func(h *peer.Handle) {
			g.Go(func() error {
				for q := range h.MonitorQuality(gctx, qualityInterval) {
					log.WithFields(logrus.Fields{
						"level":      q.Level,
						"latency_ms": q.LatencyMs,
						"loss_pct":   q.PacketLossPct,
					}).Debug("connection quality")
				}
				return nil
			})
		}),
		OnState: func(s call.Snapshot) {
			entry := log.WithFields(logrus.Fields{"state": s.State, "failures": s.Failures})
			if s.Err != nil {
				entry = entry.WithError(s.Err)
			}
			entry.Info("call state")
			cache.SaveState(statecache.Partial{CallState: statecache.String(string(s.State))})

			if pc.AutoAnswer && s.State == call.StateRinging && s.Call != nil && s.Call.ReceiverID == pc.UserID {
				go func() {
					if err := coord.AcceptCall(gctx); err != nil {
						log.WithError(err).Warn("auto-answer failed")
					}
				}()
			}
		},
		Logger: log,
	})
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Close()

	if pc.IsHost {
		if err := startHosting(gctx, g, engine, video, pc.MediaURL); err != nil {
			return err
		}
		if pc.PartnerID != "" {
			if _, err := coord.InitiateCall(ctx, call.ParseType(pc.CallType)); err != nil {
				log.WithError(err).Warn("could not start call")
			}
		}
	}

	g.Go(func() error {
		// keep the ICE config warm so reconnects never wait on a fetch
		t := time.NewTicker(ice.DefaultTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				provider.Get(gctx)
			}
		}
	})

	<-gctx.Done()
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, active := coord.Current(); active {
		_ = coord.EndCall(endCtx)
	}
	if pc.LeaveOnExit {
		cache.ClearState(endCtx)
	}
	return g.Wait()
}

// startHosting loads the configured media, publishes it and keeps the
// partner's position corrected.
func startHosting(ctx context.Context, g *errgroup.Group, engine *playback.Engine, video *player.Simulated, mediaURL string) error {
	if mediaURL != "" {
		if _, url := video.Source(); url != mediaURL {
			video.Load("url", mediaURL, 0)
		}
		if err := video.Play(); err != nil {
			return err
		}
		if _, err := engine.UpdateState(ctx, playback.Partial{
			SourceType:  playback.String("url"),
			SourceURL:   playback.String(mediaURL),
			CurrentTime: playback.Float(video.CurrentTime()),
			IsPlaying:   playback.Bool(true),
		}); err != nil {
			return err
		}
	}

	stopSync, err := engine.StartPeriodicSync(ctx, video.CurrentTime)
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopSync()
		return nil
	})
	return nil
}

// openCache opens the SQLite-backed state cache, falling back to memory
// when the database cannot be opened. The returned func flushes and closes.
func openCache(ctx context.Context, pc config.PeerConfig, log *logrus.Entry) (*statecache.Cache, func()) {
	opts := statecache.Options{RoomID: pc.RoomID, Logger: log}
	db, err := statecache.OpenSQLite(ctx, pc.StateDBPath)
	if err != nil {
		log.WithError(err).Warn("state database unavailable, caching in memory only")
		cache := statecache.New(opts)
		return cache, cache.Flush
	}
	if n, err := db.Prune(ctx, time.Now().Add(-statecache.MaxAge)); err == nil && n > 0 {
		log.WithField("rows", n).Info("pruned stale room state")
	}
	opts.Backend = db
	cache := statecache.New(opts)
	return cache, func() {
		cache.Flush()
		_ = db.Close()
	}
}

// resume restores the player from the last saved snapshot.
func resume(ctx context.Context, cache *statecache.Cache, video *player.Simulated, log *logrus.Entry) {
	entry := cache.LoadState(ctx)
	if entry == nil || entry.Media == "" {
		return
	}
	video.Load("url", entry.Media, 0)
	if err := video.Seek(entry.Position); err != nil {
		log.WithError(err).Warn("could not restore position")
	}
	if entry.IsPlaying {
		_ = video.Play()
	}
	log.WithFields(logrus.Fields{"media": entry.Media, "position": entry.Position}).Info("resumed from saved state")
}
