package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Verifier   VerifierConfig   `mapstructure:"verifier"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Paytables  PaytablesConfig  `mapstructure:"paytables"`
	Regulation RegulationConfig `mapstructure:"regulation"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AnalyzerConfig holds the RTP and cluster detector settings
type AnalyzerConfig struct {
	WindowSize           int     `mapstructure:"window_size"`
	TheoreticalRTP       float64 `mapstructure:"theoretical_rtp"`
	PumpThreshold        float64 `mapstructure:"pump_threshold"`
	DumpThreshold        float64 `mapstructure:"dump_threshold"`
	MinSpins             int     `mapstructure:"min_spins"`
	EscalationFactor     float64 `mapstructure:"escalation_factor"`
	EscalationSpins      int     `mapstructure:"escalation_spins"`
	LossStreakMin        int     `mapstructure:"loss_streak_min"`
	ClusterWindow        int     `mapstructure:"cluster_window"`
	ClusterWinMultiplier float64 `mapstructure:"cluster_win_multiplier"`
	ClusterDensity       float64 `mapstructure:"cluster_density"`
	CompressionWindow    int     `mapstructure:"compression_window"` // >= window_size disables compression
	CompressionRatio     float64 `mapstructure:"compression_ratio"`
}

// VerifierConfig holds batch verification settings
type VerifierConfig struct {
	Workers              int     `mapstructure:"workers"`
	MaxAnomalies         int     `mapstructure:"max_anomalies"`
	PayoutTolerance      float64 `mapstructure:"payout_tolerance"`
	RTPDeviationWarn     float64 `mapstructure:"rtp_deviation_warn"`
	RTPDeviationCritical float64 `mapstructure:"rtp_deviation_critical"`
	MinesBoardSize       int     `mapstructure:"mines_board_size"`
	KenoPool             int     `mapstructure:"keno_pool"`
	KenoDraws            int     `mapstructure:"keno_draws"`
	PlinkoMinRows        int     `mapstructure:"plinko_min_rows"`
	PlinkoMaxRows        int     `mapstructure:"plinko_max_rows"`
}

// ArchiveConfig holds archive ingestion defaults
type ArchiveConfig struct {
	Format      string            `mapstructure:"format"` // empty = sniff
	CasinoID    string            `mapstructure:"casino_id"`
	MaxRows     int               `mapstructure:"max_rows"`
	Encoding    string            `mapstructure:"encoding"`
	Delimiter   string            `mapstructure:"delimiter"`
	DefaultGame string            `mapstructure:"default_game"`
	Columns     map[string]string `mapstructure:"columns"` // role -> header
}

// PaytablesConfig points at the payout table file
type PaytablesConfig struct {
	Path string `mapstructure:"path"`
}

// RegulationConfig selects the jurisdiction snapshot used for compliance
type RegulationConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
	StateCode    string `mapstructure:"state_code"`
	Topic        string `mapstructure:"topic"`

	// APIURL selects the remote lookup service over SnapshotPath. With
	// neither set compliance is disabled.
	APIURL         string        `mapstructure:"api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MinSeverity    string        `mapstructure:"min_severity"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath      string        `mapstructure:"db_path"`
	MaxSessions int           `mapstructure:"max_sessions"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // sessions idle this long are checkpointed and evicted

	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// FAIR_ORACLE_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("FAIR_ORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("analyzer.window_size", 200)
	v.SetDefault("analyzer.theoretical_rtp", 0.96)
	v.SetDefault("analyzer.pump_threshold", 0.15)
	v.SetDefault("analyzer.dump_threshold", 0.15)
	v.SetDefault("analyzer.min_spins", 50)
	v.SetDefault("analyzer.escalation_factor", 3.0)
	v.SetDefault("analyzer.escalation_spins", 5)
	v.SetDefault("analyzer.loss_streak_min", 3)
	v.SetDefault("analyzer.cluster_window", 20)
	v.SetDefault("analyzer.cluster_win_multiplier", 1.5)
	v.SetDefault("analyzer.cluster_density", 0.7)
	v.SetDefault("analyzer.compression_window", 50)
	v.SetDefault("analyzer.compression_ratio", 0.3)

	v.SetDefault("verifier.workers", 4)
	v.SetDefault("verifier.max_anomalies", 100)
	v.SetDefault("verifier.payout_tolerance", 1e-6)
	v.SetDefault("verifier.rtp_deviation_warn", 0.02)
	v.SetDefault("verifier.rtp_deviation_critical", 0.05)
	v.SetDefault("verifier.mines_board_size", 25)
	v.SetDefault("verifier.keno_pool", 40)
	v.SetDefault("verifier.keno_draws", 10)
	v.SetDefault("verifier.plinko_min_rows", 8)
	v.SetDefault("verifier.plinko_max_rows", 16)

	v.SetDefault("archive.max_rows", 100000)
	v.SetDefault("archive.encoding", "utf-8")
	v.SetDefault("archive.delimiter", ",")

	v.SetDefault("paytables.path", "./configs/paytables.yaml")

	v.SetDefault("regulation.snapshot_path", "")
	v.SetDefault("regulation.state_code", "")
	v.SetDefault("regulation.topic", "igaming")
	v.SetDefault("regulation.api_url", "")
	v.SetDefault("regulation.timeout", "10s")
	v.SetDefault("regulation.cache_ttl", "15m")
	v.SetDefault("regulation.max_retries", 3)
	v.SetDefault("regulation.retry_delay_base", "1s")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.min_severity", "warning")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/fair-oracle.db")
	v.SetDefault("storage.max_sessions", 10000)
	v.SetDefault("storage.idle_timeout", "30m")
	v.SetDefault("storage.checkpoint_interval", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Analyzer config
	if c.Analyzer.WindowSize < 1 {
		return fmt.Errorf("analyzer.window_size must be at least 1")
	}
	if c.Analyzer.TheoreticalRTP <= 0 || c.Analyzer.TheoreticalRTP > 1.5 {
		return fmt.Errorf("analyzer.theoretical_rtp must be in (0, 1.5]")
	}
	if c.Analyzer.PumpThreshold <= 0 || c.Analyzer.DumpThreshold <= 0 {
		return fmt.Errorf("analyzer.pump_threshold and analyzer.dump_threshold must be positive")
	}
	if c.Analyzer.MinSpins < 1 || c.Analyzer.MinSpins > c.Analyzer.WindowSize {
		return fmt.Errorf("analyzer.min_spins must be between 1 and analyzer.window_size")
	}
	if c.Analyzer.EscalationFactor <= 1 {
		return fmt.Errorf("analyzer.escalation_factor must be greater than 1")
	}
	if c.Analyzer.EscalationSpins < 1 {
		return fmt.Errorf("analyzer.escalation_spins must be at least 1")
	}
	if c.Analyzer.LossStreakMin < 1 {
		return fmt.Errorf("analyzer.loss_streak_min must be at least 1")
	}
	if c.Analyzer.ClusterWindow < 1 || c.Analyzer.ClusterWindow > c.Analyzer.WindowSize {
		return fmt.Errorf("analyzer.cluster_window must be between 1 and analyzer.window_size")
	}
	if c.Analyzer.ClusterWinMultiplier <= 0 {
		return fmt.Errorf("analyzer.cluster_win_multiplier must be positive")
	}
	if c.Analyzer.ClusterDensity <= 0 || c.Analyzer.ClusterDensity > 1 {
		return fmt.Errorf("analyzer.cluster_density must be in (0, 1]")
	}
	if c.Analyzer.CompressionWindow < 1 {
		return fmt.Errorf("analyzer.compression_window must be at least 1")
	}
	if c.Analyzer.CompressionRatio <= 0 || c.Analyzer.CompressionRatio >= 1 {
		return fmt.Errorf("analyzer.compression_ratio must be in (0, 1)")
	}

	// Validate Verifier config
	if c.Verifier.Workers < 1 || c.Verifier.Workers > 256 {
		return fmt.Errorf("verifier.workers must be between 1 and 256")
	}
	if c.Verifier.MaxAnomalies < 1 {
		return fmt.Errorf("verifier.max_anomalies must be at least 1")
	}
	if c.Verifier.PayoutTolerance < 0 {
		return fmt.Errorf("verifier.payout_tolerance must not be negative")
	}
	if c.Verifier.RTPDeviationWarn <= 0 || c.Verifier.RTPDeviationCritical < c.Verifier.RTPDeviationWarn {
		return fmt.Errorf("verifier.rtp_deviation_critical must be at least verifier.rtp_deviation_warn, which must be positive")
	}
	if c.Verifier.MinesBoardSize < 2 {
		return fmt.Errorf("verifier.mines_board_size must be at least 2")
	}
	if c.Verifier.KenoDraws < 1 || c.Verifier.KenoDraws > c.Verifier.KenoPool {
		return fmt.Errorf("verifier.keno_draws must be between 1 and verifier.keno_pool")
	}
	if c.Verifier.PlinkoMinRows < 1 || c.Verifier.PlinkoMaxRows < c.Verifier.PlinkoMinRows {
		return fmt.Errorf("verifier.plinko_min_rows must be at least 1 and not above verifier.plinko_max_rows")
	}

	// Validate Archive config
	if c.Archive.MaxRows < 1 {
		return fmt.Errorf("archive.max_rows must be at least 1")
	}
	validEncodings := map[string]bool{"": true, "utf-8": true, "utf8": true, "latin1": true, "latin-1": true, "iso-8859-1": true, "windows-1252": true, "cp1252": true, "utf-16": true, "utf-16le": true, "utf-16be": true}
	if !validEncodings[strings.ToLower(c.Archive.Encoding)] {
		return fmt.Errorf("archive.encoding must be one of: utf-8, latin1, windows-1252, utf-16, utf-16be")
	}
	if len([]rune(c.Archive.Delimiter)) > 1 {
		return fmt.Errorf("archive.delimiter must be a single character")
	}

	if c.Paytables.Path == "" {
		return fmt.Errorf("paytables.path is required")
	}

	// Validate Regulation config
	if c.Regulation.SnapshotPath != "" || c.Regulation.APIURL != "" {
		if len(c.Regulation.StateCode) != 2 {
			return fmt.Errorf("regulation.state_code must be a two-letter code when a snapshot is configured")
		}
		validTopics := map[string]bool{"igaming": true, "sportsbook": true, "sweepstakes": true}
		if !validTopics[c.Regulation.Topic] {
			return fmt.Errorf("regulation.topic must be one of: igaming, sportsbook, sweepstakes")
		}
	}
	if c.Regulation.APIURL != "" {
		if c.Regulation.Timeout < time.Second {
			return fmt.Errorf("regulation.timeout must be at least 1 second")
		}
		if c.Regulation.MaxRetries < 1 {
			return fmt.Errorf("regulation.max_retries must be at least 1")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	validSeverities := map[string]bool{"none": true, "info": true, "warning": true, "critical": true}
	if !validSeverities[c.Telegram.MinSeverity] {
		return fmt.Errorf("telegram.min_severity must be one of: none, info, warning, critical")
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxSessions < 1 {
		return fmt.Errorf("storage.max_sessions must be at least 1")
	}
	if c.Storage.IdleTimeout < time.Minute {
		return fmt.Errorf("storage.idle_timeout must be at least 1 minute")
	}
	if c.Storage.CheckpointInterval < time.Second {
		return fmt.Errorf("storage.checkpoint_interval must be at least 1 second")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
