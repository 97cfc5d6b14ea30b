package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmpp/jid"
)

// Default values for the optional knobs.
const (
	DefaultIdleTimeout              = 15 * time.Second
	DefaultSingleParticipantTimeout = 20 * time.Second
	DefaultMinParticipants          = 2
	DefaultMaxSourcesPerUser        = 50
)

// Config holds validated environment configuration for the focus.
type Config struct {
	// Conference lifecycle
	IdleTimeout              time.Duration
	SingleParticipantTimeout time.Duration
	MinParticipants          int
	MaxSourcesPerUser        int

	// Start-muted thresholds; -1 means disabled.
	StartAudioMuted int
	StartVideoMuted int

	// Room behaviour
	EnableAutoOwner        bool
	UseRoomAsSharedDocName bool
	LipSyncEnabled         bool

	// EnforcedBridge pins every conference to one bridge when set.
	EnforcedBridge jid.JID

	// ShortID is the process identifier composed into conference GIDs.
	// Zero means unconfigured and is allowed with a warning.
	ShortID uint16

	// Optional variables with defaults
	GoEnv    string
	LogLevel string
}

// ValidateEnv validates all focus environment variables and returns a Config.
// Returns an error listing every invalid variable rather than stopping at
// the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{
		IdleTimeout:              DefaultIdleTimeout,
		SingleParticipantTimeout: DefaultSingleParticipantTimeout,
		MinParticipants:          DefaultMinParticipants,
		MaxSourcesPerUser:        DefaultMaxSourcesPerUser,
		StartAudioMuted:          -1,
		StartVideoMuted:          -1,
		EnableAutoOwner:          true,
	}
	var errs []string

	if v := os.Getenv("FOCUS_IDLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Sprintf("FOCUS_IDLE_TIMEOUT_MS must be a positive integer (got %q)", v))
		} else {
			cfg.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("FOCUS_SINGLE_PARTICIPANT_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Sprintf("FOCUS_SINGLE_PARTICIPANT_TIMEOUT_MS must be a positive integer (got %q)", v))
		} else {
			cfg.SingleParticipantTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("FOCUS_MIN_PARTICIPANTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("FOCUS_MIN_PARTICIPANTS must be at least 1 (got %q)", v))
		} else {
			cfg.MinParticipants = n
		}
	}

	if v := os.Getenv("FOCUS_MAX_SOURCES_PER_USER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("FOCUS_MAX_SOURCES_PER_USER must be a non-negative integer (got %q)", v))
		} else {
			cfg.MaxSourcesPerUser = n
		}
	}

	cfg.StartAudioMuted = parseThreshold("FOCUS_START_AUDIO_MUTED", &errs)
	cfg.StartVideoMuted = parseThreshold("FOCUS_START_VIDEO_MUTED", &errs)

	if v := os.Getenv("FOCUS_ENABLE_AUTO_OWNER"); v != "" {
		cfg.EnableAutoOwner = v == "true"
	}
	cfg.UseRoomAsSharedDocName = os.Getenv("FOCUS_USE_ROOM_AS_SHARED_DOC_NAME") == "true"
	cfg.LipSyncEnabled = os.Getenv("FOCUS_LIP_SYNC") == "true"

	if v := os.Getenv("FOCUS_ENFORCED_BRIDGE"); v != "" {
		j, err := jid.Parse(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("FOCUS_ENFORCED_BRIDGE must be a valid JID (got %q)", v))
		} else {
			cfg.EnforcedBridge = j
		}
	}

	if v := os.Getenv("FOCUS_SHORT_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			errs = append(errs, fmt.Sprintf("FOCUS_SHORT_ID must be in [1..65535] (got %q)", v))
		} else {
			cfg.ShortID = uint16(n)
		}
	}
	if cfg.ShortID == 0 {
		slog.Warn("FOCUS_SHORT_ID not configured, conference GIDs will use short id 0")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// parseThreshold reads a start-muted threshold; absent means disabled (-1).
func parseThreshold(key string, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got %q)", key, v))
		return -1
	}
	return n
}

// logValidatedConfig logs the validated configuration.
func logValidatedConfig(cfg *Config) {
	slog.Info("Focus configuration validated",
		"idle_timeout", cfg.IdleTimeout,
		"single_participant_timeout", cfg.SingleParticipantTimeout,
		"min_participants", cfg.MinParticipants,
		"max_sources_per_user", cfg.MaxSourcesPerUser,
		"start_audio_muted", cfg.StartAudioMuted,
		"start_video_muted", cfg.StartVideoMuted,
		"auto_owner", cfg.EnableAutoOwner,
		"enforced_bridge", cfg.EnforcedBridge.String(),
		"short_id", cfg.ShortID,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
