package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"liveshow/orchestrator/internal/domain"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the orchestrator configuration.
type Config struct {
	Env           string
	LogLevel      string
	SignalURL     string
	Token         string
	RoomID        string
	ParticipantID string
	Role          domain.Role
	HostID        string
	Initiator     domain.Role
	Mobile        bool
	ICEConfigURL  string
	ICEServers    []domain.ICEServer
	Timing        Timing
}

// Timing holds every timeout, interval and threshold the orchestrator uses.
type Timing struct {
	ConnectTimeout      time.Duration
	JoinTimeout         time.Duration
	AnswerTimeout       time.Duration
	MonitorInterval     time.Duration
	StuckThreshold      time.Duration
	MediaSilence        time.Duration
	StreamCheckInterval time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	BreakerMaxCooldown  time.Duration
	ExtendedCooldown    time.Duration
}

// DefaultTiming returns the desktop or mobile timing profile.
// Mobile networks get longer network waits and a faster monitor.
func DefaultTiming(mobile bool) Timing {
	if mobile {
		return Timing{
			ConnectTimeout:      30 * time.Second,
			JoinTimeout:         30 * time.Second,
			AnswerTimeout:       25 * time.Second,
			MonitorInterval:     2 * time.Second,
			StuckThreshold:      10 * time.Second,
			MediaSilence:        15 * time.Second,
			StreamCheckInterval: 10 * time.Second,
			BreakerThreshold:    3,
			BreakerCooldown:     12 * time.Second,
			BreakerMaxCooldown:  90 * time.Second,
			ExtendedCooldown:    45 * time.Second,
		}
	}
	return Timing{
		ConnectTimeout:      15 * time.Second,
		JoinTimeout:         20 * time.Second,
		AnswerTimeout:       15 * time.Second,
		MonitorInterval:     3 * time.Second,
		StuckThreshold:      12 * time.Second,
		MediaSilence:        10 * time.Second,
		StreamCheckInterval: 10 * time.Second,
		BreakerThreshold:    3,
		BreakerCooldown:     10 * time.Second,
		BreakerMaxCooldown:  60 * time.Second,
		ExtendedCooldown:    30 * time.Second,
	}
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	signalURL := os.Getenv("LIVESHOW_SIGNAL_URL")
	if signalURL == "" {
		return nil, fmt.Errorf("LIVESHOW_SIGNAL_URL environment variable is required")
	}

	roomID := os.Getenv("LIVESHOW_ROOM_ID")
	if roomID == "" {
		return nil, fmt.Errorf("LIVESHOW_ROOM_ID environment variable is required")
	}

	role, err := parseRole("LIVESHOW_ROLE", getEnv("LIVESHOW_ROLE", string(domain.RoleParticipant)))
	if err != nil {
		return nil, err
	}
	initiator, err := parseRole("LIVESHOW_INITIATOR", getEnv("LIVESHOW_INITIATOR", string(domain.RoleParticipant)))
	if err != nil {
		return nil, err
	}

	mobile, err := getBool("LIVESHOW_MOBILE", false)
	if err != nil {
		return nil, err
	}

	timing, err := loadTiming(DefaultTiming(mobile))
	if err != nil {
		return nil, err
	}

	participantID := getEnv("LIVESHOW_PARTICIPANT_ID", "")
	if participantID == "" {
		participantID = uuid.NewString()
	}

	return &Config{
		Env:           getEnv("LIVESHOW_ENV", "production"),
		LogLevel:      getEnv("LIVESHOW_LOG_LEVEL", "info"),
		SignalURL:     signalURL,
		Token:         os.Getenv("LIVESHOW_TOKEN"),
		RoomID:        roomID,
		ParticipantID: participantID,
		Role:          role,
		HostID:        getEnv("LIVESHOW_HOST_ID", "host"),
		Initiator:     initiator,
		Mobile:        mobile,
		ICEConfigURL:  os.Getenv("LIVESHOW_ICE_CONFIG_URL"),
		ICEServers: ParseICEServers(
			getEnv("LIVESHOW_ICE_SERVERS", defaultSTUN),
			os.Getenv("LIVESHOW_TURN_USERNAME"),
			os.Getenv("LIVESHOW_TURN_CREDENTIAL"),
		),
		Timing: timing,
	}, nil
}

// ParseICEServers turns a comma-separated URL list into ICE servers.
// Credentials are attached to turn: and turns: URLs only.
func ParseICEServers(list, username, credential string) []domain.ICEServer {
	var servers []domain.ICEServer
	for _, raw := range strings.Split(list, ",") {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		s := domain.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
		}
		servers = append(servers, s)
	}
	return servers
}

func loadTiming(t Timing) (Timing, error) {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LIVESHOW_CONNECT_TIMEOUT", &t.ConnectTimeout},
		{"LIVESHOW_JOIN_TIMEOUT", &t.JoinTimeout},
		{"LIVESHOW_ANSWER_TIMEOUT", &t.AnswerTimeout},
		{"LIVESHOW_MONITOR_INTERVAL", &t.MonitorInterval},
		{"LIVESHOW_STUCK_THRESHOLD", &t.StuckThreshold},
		{"LIVESHOW_MEDIA_SILENCE", &t.MediaSilence},
		{"LIVESHOW_STREAM_CHECK_INTERVAL", &t.StreamCheckInterval},
		{"LIVESHOW_BREAKER_COOLDOWN", &t.BreakerCooldown},
		{"LIVESHOW_BREAKER_MAX_COOLDOWN", &t.BreakerMaxCooldown},
		{"LIVESHOW_EXTENDED_COOLDOWN", &t.ExtendedCooldown},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return t, fmt.Errorf("%s: invalid duration %q", d.key, v)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("LIVESHOW_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return t, fmt.Errorf("LIVESHOW_BREAKER_THRESHOLD: invalid value %q", v)
		}
		t.BreakerThreshold = n
	}
	return t, nil
}

func parseRole(key, v string) (domain.Role, error) {
	switch domain.Role(v) {
	case domain.RoleHost, domain.RoleParticipant:
		return domain.Role(v), nil
	}
	return "", fmt.Errorf("%s must be %q or %q, got %q", key, domain.RoleHost, domain.RoleParticipant, v)
}

func getBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q", key, v)
	}
	return b, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
