package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/api"
	"liveshow/orchestrator/internal/config"
	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/session"
	sigclient "liveshow/orchestrator/internal/signal"
	"liveshow/orchestrator/internal/webrtc"
)

const helpText = `liveshow - Join a live show room and keep WebRTC connections healthy

Usage:
  liveshow [options]

Connects to the signaling relay, joins the room and negotiates a peer
connection with every participant it is responsible for. Received media
is monitored and recovered; connection status is logged.

Environment Variables (required):
  LIVESHOW_SIGNAL_URL  Relay websocket URL, e.g. ws://localhost:8080/ws
  LIVESHOW_ROOM_ID     Room to join

Environment Variables (optional):
  LIVESHOW_PARTICIPANT_ID  Participant id (default: random)
  LIVESHOW_ROLE            host or participant (default: participant)
  LIVESHOW_HOST_ID         Id of the room host (default: host)
  LIVESHOW_INITIATOR       Side that sends offers (default: participant)
  LIVESHOW_TOKEN           Relay token
  LIVESHOW_ICE_SERVERS     Comma-separated STUN/TURN URLs
  LIVESHOW_ICE_CONFIG_URL  HTTP endpoint serving ICE servers
  LIVESHOW_MOBILE          Use the mobile timing profile
  LIVESHOW_ENV             development for console logs
  LIVESHOW_LOG_LEVEL       debug, info, warn or error

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveshow: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveshow: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	servers := cfg.ICEServers
	if cfg.ICEConfigURL != "" {
		fetched, err := api.NewClient(3, logger).FetchICEServers(ctx, cfg.ICEConfigURL, cfg.Token)
		if err != nil {
			logger.Warn("using configured ice servers", zap.Error(err))
		} else {
			servers = fetched
		}
	}

	factory, err := webrtc.NewFactory(webrtc.Options{
		ICEServers:     servers,
		PLIInterval:    3 * time.Second,
		FilterLoopback: cfg.Env != "development",
	}, logger)
	if err != nil {
		logger.Fatal("create peer factory", zap.Error(err))
	}

	var s *session.Session
	watched := make(map[string]func())
	var watchedMu sync.Mutex
	watch := func(id string) {
		watchedMu.Lock()
		defer watchedMu.Unlock()
		if _, ok := watched[id]; ok {
			return
		}
		watched[id] = s.Streams().OnAvailable(id, func(st domain.MediaStream) {
			if st == nil {
				logger.Warn("media lost", zap.String("participant", id))
				return
			}
			logger.Info("media available",
				zap.String("participant", id),
				zap.String("stream", st.ID()),
				zap.Int("tracks", len(st.Tracks())))
		})
	}

	s = session.New(session.Options{
		SelfID:    cfg.ParticipantID,
		RoomID:    cfg.RoomID,
		Role:      cfg.Role,
		HostID:    cfg.HostID,
		Initiator: cfg.Initiator,
		Mobile:    cfg.Mobile,
		Timing:    cfg.Timing,
		OnStatus: func(id string, r domain.StatusReport) {
			if id == "" {
				if r.Status == domain.StatusFailed {
					cancel()
				}
				return
			}
			watch(id)
		},
		OnParticipantDisconnect: func(id string) {
			watchedMu.Lock()
			if stop, ok := watched[id]; ok {
				stop()
				delete(watched, id)
			}
			watchedMu.Unlock()
		},
	}, factory, logger)

	sc := sigclient.NewClient(sigclient.Options{
		URL:            cfg.SignalURL,
		Token:          cfg.Token,
		ConnectTimeout: cfg.Timing.ConnectTimeout,
		JoinTimeout:    cfg.Timing.JoinTimeout,
	}, s, logger)

	// Complete the circular dependency
	s.SetSignaler(sc)

	logger.Info("starting",
		zap.String("participant", cfg.ParticipantID),
		zap.String("role", string(cfg.Role)),
		zap.String("room", cfg.RoomID),
		zap.Int("iceServers", len(servers)))

	if err := s.Start(ctx); err != nil {
		logger.Error("start session", zap.Error(err), zap.String("reason", domain.Describe(err).Reason))
		s.Dispose()
		os.Exit(1)
	}

	<-ctx.Done()
	s.Dispose()
	logger.Info("done")
}

func newLogger(env, level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LIVESHOW_LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
