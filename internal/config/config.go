package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 4096
	DefaultMaxToolIterations = 1

	DefaultFreeTextPerDay  = 20
	DefaultFreePhotoPerDay = 1
	DefaultFreeReadings    = 3
	DefaultReferralReward  = 1

	DefaultMaxStoredMessages  = 100
	DefaultContextMessages    = 20
	DefaultReadingHistoryKeep = 10
	DefaultMaxEventRows       = 50000

	DefaultProfileMaxItems  = 8
	DefaultMaxSummaries     = 5
	DefaultMaxEvents        = 10
	DefaultSummarizeEveryN  = 12
	DefaultMemoryBlockChars = 1200

	DefaultBatchDelayMs        = 400
	DefaultReadingSessionSec   = 600
	DefaultPaywallRepeatSec    = 120
	DefaultFirstFollowupSec    = 30
	DefaultSweepSpec           = "0 0 * * * *" // hourly, with seconds field
	DefaultEventPruneSpec      = "0 30 4 * * *"
	DefaultBufSize             = 100
	DefaultMaxMessageCharsDB   = 4000
	DefaultMaxStoredFieldChars = 500
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Agent    AgentConfig    `json:"agent"`
	Telegram TelegramConfig `json:"telegram"`
	Limits   LimitsConfig   `json:"limits"`
	Memory   MemoryConfig   `json:"memory"`
	Followup FollowupConfig `json:"followup"`
	Packages PackagesConfig `json:"packages"`
	Assets   AssetsConfig   `json:"assets"`
	DBPath   string         `json:"dbPath,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AgentConfig struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	Proxy string `json:"proxy,omitempty"`
}

// LimitsConfig holds entitlement ceilings. Daily limits reset on calendar-day
// rollover; the free reading count is lifetime and never resets.
type LimitsConfig struct {
	FreeTextPerDay     int      `json:"freeTextPerDay"`
	FreePhotoPerDay    int      `json:"freePhotoPerDay"`
	FreeReadings       int      `json:"freeReadings"`
	ReferralReward     int      `json:"referralReward"`
	PaywallRepeatSec   int      `json:"paywallRepeatSec"`
	UnlimitedUsernames []string `json:"unlimitedUsernames,omitempty"`
}

type MemoryConfig struct {
	MaxStoredMessages  int `json:"maxStoredMessages"`
	ContextMessages    int `json:"contextMessages"`
	ReadingHistoryKeep int `json:"readingHistoryKeep"`
	MaxEventRows       int `json:"maxEventRows"`
	ProfileMaxItems    int `json:"profileMaxItems"`
	MaxSummaries       int `json:"maxSummaries"`
	MaxEvents          int `json:"maxEvents"`
	SummarizeEveryN    int `json:"summarizeEveryN"`
	MemoryBlockChars   int `json:"memoryBlockChars"`
}

type FollowupConfig struct {
	FirstContactSec int    `json:"firstContactSec"`
	SweepSpec       string `json:"sweepSpec,omitempty"`
	EventPruneSpec  string `json:"eventPruneSpec,omitempty"`
}

// PackagesConfig prices are in Telegram Stars.
type PackagesConfig struct {
	SubWeekStars     int `json:"subWeekStars"`
	SubMonthStars    int `json:"subMonthStars"`
	SubQuarterStars  int `json:"subQuarterStars"`
	CreditsOneStars  int `json:"creditsOneStars"`
	CreditsThreeStars int `json:"creditsThreeStars"`
	CreditsTenStars  int `json:"creditsTenStars"`
}

type AssetsConfig struct {
	TablePath string `json:"tablePath,omitempty"`
	TmpDir    string `json:"tmpDir,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Agent: AgentConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Limits: LimitsConfig{
			FreeTextPerDay:   DefaultFreeTextPerDay,
			FreePhotoPerDay:  DefaultFreePhotoPerDay,
			FreeReadings:     DefaultFreeReadings,
			ReferralReward:   DefaultReferralReward,
			PaywallRepeatSec: DefaultPaywallRepeatSec,
		},
		Memory: MemoryConfig{
			MaxStoredMessages:  DefaultMaxStoredMessages,
			ContextMessages:    DefaultContextMessages,
			ReadingHistoryKeep: DefaultReadingHistoryKeep,
			MaxEventRows:       DefaultMaxEventRows,
			ProfileMaxItems:    DefaultProfileMaxItems,
			MaxSummaries:       DefaultMaxSummaries,
			MaxEvents:          DefaultMaxEvents,
			SummarizeEveryN:    DefaultSummarizeEveryN,
			MemoryBlockChars:   DefaultMemoryBlockChars,
		},
		Followup: FollowupConfig{
			FirstContactSec: DefaultFirstFollowupSec,
			SweepSpec:       DefaultSweepSpec,
			EventPruneSpec:  DefaultEventPruneSpec,
		},
		Packages: PackagesConfig{
			SubWeekStars:     79,
			SubMonthStars:    149,
			SubQuarterStars:  399,
			CreditsOneStars:  49,
			CreditsThreeStars: 129,
			CreditsTenStars:  349,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".arcana")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("ARCANA_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("ARCANA_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("ARCANA_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if dbPath := os.Getenv("ARCANA_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if raw := os.Getenv("ARCANA_UNLIMITED_USERNAMES"); raw != "" {
		var names []string
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, strings.ToLower(strings.TrimPrefix(n, "@")))
			}
		}
		cfg.Limits.UnlimitedUsernames = names
	}
	if raw := os.Getenv("ARCANA_FREE_READINGS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cfg.Limits.FreeReadings = parsed
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = def.Agent.MaxTokens
	}
	if c.Limits.FreeTextPerDay <= 0 {
		c.Limits.FreeTextPerDay = def.Limits.FreeTextPerDay
	}
	if c.Limits.FreePhotoPerDay <= 0 {
		c.Limits.FreePhotoPerDay = def.Limits.FreePhotoPerDay
	}
	if c.Limits.FreeReadings < 0 {
		c.Limits.FreeReadings = def.Limits.FreeReadings
	}
	if c.Limits.ReferralReward <= 0 {
		c.Limits.ReferralReward = def.Limits.ReferralReward
	}
	if c.Limits.PaywallRepeatSec <= 0 {
		c.Limits.PaywallRepeatSec = def.Limits.PaywallRepeatSec
	}
	if c.Memory.MaxStoredMessages <= 0 {
		c.Memory.MaxStoredMessages = def.Memory.MaxStoredMessages
	}
	if c.Memory.ContextMessages <= 0 {
		c.Memory.ContextMessages = def.Memory.ContextMessages
	}
	if c.Memory.ReadingHistoryKeep <= 0 {
		c.Memory.ReadingHistoryKeep = def.Memory.ReadingHistoryKeep
	}
	if c.Memory.MaxEventRows <= 0 {
		c.Memory.MaxEventRows = def.Memory.MaxEventRows
	}
	if c.Memory.ProfileMaxItems <= 0 {
		c.Memory.ProfileMaxItems = def.Memory.ProfileMaxItems
	}
	if c.Memory.MaxSummaries <= 0 {
		c.Memory.MaxSummaries = def.Memory.MaxSummaries
	}
	if c.Memory.MaxEvents <= 0 {
		c.Memory.MaxEvents = def.Memory.MaxEvents
	}
	if c.Memory.SummarizeEveryN <= 0 {
		c.Memory.SummarizeEveryN = def.Memory.SummarizeEveryN
	}
	if c.Memory.MemoryBlockChars <= 0 {
		c.Memory.MemoryBlockChars = def.Memory.MemoryBlockChars
	}
	if c.Followup.FirstContactSec <= 0 {
		c.Followup.FirstContactSec = def.Followup.FirstContactSec
	}
	if c.Followup.SweepSpec == "" {
		c.Followup.SweepSpec = def.Followup.SweepSpec
	}
	if c.Followup.EventPruneSpec == "" {
		c.Followup.EventPruneSpec = def.Followup.EventPruneSpec
	}
	if c.Packages.SubWeekStars <= 0 {
		c.Packages = def.Packages
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(ConfigDir(), "data", "arcana.db")
	}
	if c.Assets.TmpDir == "" {
		c.Assets.TmpDir = filepath.Join(ConfigDir(), "tmp")
	}
}

// IsUnlimited reports whether username is on the operator allowlist that
// bypasses all entitlement checks.
func (c *Config) IsUnlimited(username string) bool {
	u := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if u == "" {
		return false
	}
	for _, n := range c.Limits.UnlimitedUsernames {
		if u == strings.ToLower(strings.TrimPrefix(n, "@")) {
			return true
		}
	}
	return false
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
