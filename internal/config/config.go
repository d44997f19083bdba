package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the game server listens on.
	DefaultAddr = ":43180"
	// DefaultLevelCount is the number of playable levels the server ranks.
	DefaultLevelCount = 2
	// DefaultTelemetrySecret signs telemetry submissions in development setups.
	DefaultTelemetrySecret = "kwfnp"

	// DefaultStorePath locates the SQLite document store.
	DefaultStorePath = "gameserver.db"

	// DefaultSweepInterval controls how often the session registry reaps
	// timed-out sessions and drains the finalization set.
	DefaultSweepInterval = 30 * time.Second
	// DefaultRankInterval is the cadence of per-level leaderboard rebuilds.
	DefaultRankInterval = 4 * time.Second
	// DefaultGlobalRankInterval is the cadence of global leaderboard rebuilds.
	DefaultGlobalRankInterval = 5500 * time.Millisecond
	// DefaultRankRetryBackoff delays a ranking cycle that lost the lock race.
	DefaultRankRetryBackoff = time.Second

	// DefaultLoginWindow and DefaultLoginBurst bound login attempts per account.
	DefaultLoginWindow = time.Minute
	DefaultLoginBurst  = 10

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "gameserver.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the game server.
type Config struct {
	Address            string
	LevelCount         int
	TelemetrySecret    string
	StorePath          string
	ArchiveDir         string
	SweepInterval      time.Duration
	RankInterval       time.Duration
	GlobalRankInterval time.Duration
	RankRetryBackoff   time.Duration
	LoginWindow        time.Duration
	LoginBurst         int
	Logging            LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            getString("GAME_ADDR", DefaultAddr),
		LevelCount:         DefaultLevelCount,
		TelemetrySecret:    getString("GAME_TELEMETRY_SECRET", DefaultTelemetrySecret),
		StorePath:          getString("GAME_STORE_PATH", DefaultStorePath),
		ArchiveDir:         strings.TrimSpace(os.Getenv("GAME_ARCHIVE_DIR")),
		SweepInterval:      DefaultSweepInterval,
		RankInterval:       DefaultRankInterval,
		GlobalRankInterval: DefaultGlobalRankInterval,
		RankRetryBackoff:   DefaultRankRetryBackoff,
		LoginWindow:        DefaultLoginWindow,
		LoginBurst:         DefaultLoginBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("GAME_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("GAME_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("GAME_LEVEL_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAME_LEVEL_COUNT must be a positive integer, got %q", raw))
		} else {
			cfg.LevelCount = value
		}
	}

	for _, item := range []struct {
		env    string
		target *time.Duration
	}{
		{"GAME_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"GAME_RANK_INTERVAL", &cfg.RankInterval},
		{"GAME_GLOBAL_RANK_INTERVAL", &cfg.GlobalRankInterval},
		{"GAME_RANK_RETRY_BACKOFF", &cfg.RankRetryBackoff},
		{"GAME_LOGIN_WINDOW", &cfg.LoginWindow},
	} {
		raw := strings.TrimSpace(os.Getenv(item.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", item.env, raw))
		} else {
			*item.target = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_LOGIN_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAME_LOGIN_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.LoginBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GAME_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("GAME_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("GAME_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GAME_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("GAME_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if strings.TrimSpace(cfg.TelemetrySecret) == "" {
		problems = append(problems, "GAME_TELEMETRY_SECRET must not be blank")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
