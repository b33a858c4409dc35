package webrtc

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Options configures the peer connection factory.
type Options struct {
	ICEServers []domain.ICEServer
	// ICE agent timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// PLIInterval enables periodic keyframe requests on received video.
	PLIInterval time.Duration
	// FilterLoopback drops 127.0.0.1 and ::1 candidates before signaling.
	FilterLoopback bool
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api            *pion.API
	config         pion.Configuration
	filterLoopback bool
	logger         *zap.Logger
}

// NewFactory registers codecs and interceptors and prepares the ICE
// configuration shared by every connection.
func NewFactory(opts Options, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("webrtc")

	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	if opts.PLIInterval > 0 {
		pliFactory, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(opts.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create interval pli: %w", err)
		}
		i.Add(pliFactory)
	}

	se := pion.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	if !hasTURN(opts.ICEServers) {
		logger.Warn("no TURN server configured, relying on STUN only")
	}

	return &Factory{
		api: api,
		config: pion.Configuration{
			ICEServers:   toPionICEServers(opts.ICEServers),
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
		filterLoopback: opts.FilterLoopback,
		logger:         logger,
	}, nil
}

// NewPeer creates a peer connection for participantID with every hook wired
// before it is returned.
func (f *Factory) NewPeer(participantID string, hooks domain.PeerHooks) (domain.PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:             pc,
		participantID:  participantID,
		filterLoopback: f.filterLoopback,
		inbound:        newRemoteStream(participantID),
		logger:         f.logger.With(zap.String("participant", participantID)),
	}
	p.wire(hooks)
	return p, nil
}

func registerCodecs(m *pion.MediaEngine) error {
	video := []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:    pion.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:  pion.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
	}
	for _, c := range video {
		if err := m.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	audio := []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:    pion.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:  pion.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		},
	}
	for _, c := range audio {
		if err := m.RegisterCodec(c, pion.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return nil
}

func toPionICEServers(servers []domain.ICEServer) []pion.ICEServer {
	var out []pion.ICEServer
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func hasTURN(servers []domain.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
