// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the job store, history and logs (always absolute)
	InputDir string // Directory holding privatekeys.txt and proxies.txt
	LogLevel string
	LogFile  string

	// Scheduler
	Threads             int          // Max simultaneously executing jobs
	ShuffleWallets      bool         // Shuffle pending modules before a run
	SleepAfterAccount   domain.Range // Cooldown after a finished job, seconds
	SleepBetweenThreads domain.Range // Stagger between opening jobs, seconds

	// Store rebuild
	BidAmounts domain.Range // Modules queued per account
	PairAmount domain.Range // Accounts per hedge group

	// Hedge groups
	PositionHold domain.Range      // Seconds to hold a hedged position before closing
	StakeRange   domain.FloatRange // Per-account stake bounds, USD

	// Trading
	OpenOrderTypes          []string          // market and/or limit, one picked at random per order
	CloseOrderTypes         []string          // same for closing orders
	LimitDiffBuy            float64           // cents below best bid for a buy limit
	LimitDiffSell           float64           // cents above best ask for a sell limit
	LimitWaitBuy            int               // seconds before a resting buy limit is repriced
	LimitWaitSell           int               // seconds before a resting sell limit is repriced
	HoldingSide             string            // BUY or SELL, limit holding mode
	HoldingStep             domain.FloatRange // cents from the touch, limit holding mode
	HoldingOffset           domain.FloatRange // allowed drift in cents, limit holding mode
	MinSellUSD              float64           // positions worth less are not closed
	SleepBetweenOrders      domain.Range
	SleepBetweenOpenOrders  domain.Range
	SleepBetweenCloseOrders domain.Range

	// Dry-run venue
	DryRunBalance    float64
	DryRunVolatility float64

	// Notifications
	TelegramToken   string
	TelegramUserIDs []string

	// Status API (0 disables)
	StatusPort int

	Backup *BackupConfig
}

// BackupConfig holds R2 (S3-compatible) backup configuration
type BackupConfig struct {
	Enabled         bool
	Schedule        string // cron spec, seconds field first
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir, err := resolveDir(getEnv("HEDGEBOT_DATA_DIR", "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	inputDir, err := filepath.Abs(getEnv("HEDGEBOT_INPUT_DIR", "input_data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input directory: %w", err)
	}

	cfg := &Config{
		DataDir:                 dataDir,
		InputDir:                inputDir,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFile:                 getEnv("LOG_FILE", filepath.Join(dataDir, "logs", "hedgebot.log")),
		Threads:                 getEnvAsInt("THREADS", 1),
		ShuffleWallets:          getEnvAsBool("SHUFFLE_WALLETS", true),
		SleepAfterAccount:       getEnvAsRange("SLEEP_AFTER_ACCOUNT", domain.Range{Min: 30, Max: 60}),
		SleepBetweenThreads:     getEnvAsRange("SLEEP_BETWEEN_THREADS", domain.Range{Min: 10, Max: 20}),
		BidAmounts:              getEnvAsRange("BID_AMOUNTS", domain.Range{Min: 1, Max: 1}),
		PairAmount:              getEnvAsRange("PAIR_AMOUNT", domain.Range{Min: 2, Max: 3}),
		PositionHold:            getEnvAsRange("POSITION_HOLD", domain.Range{Min: 60, Max: 120}),
		StakeRange:              getEnvAsFloatRange("STAKE_RANGE", domain.FloatRange{Min: 5, Max: 20}),
		OpenOrderTypes:          getEnvAsListDefault("OPEN_ORDER_TYPES", []string{"market"}),
		CloseOrderTypes:         getEnvAsListDefault("CLOSE_ORDER_TYPES", []string{"market"}),
		LimitDiffBuy:            getEnvAsFloat("LIMIT_DIFF_BUY", 1),
		LimitDiffSell:           getEnvAsFloat("LIMIT_DIFF_SELL", 1),
		LimitWaitBuy:            getEnvAsInt("LIMIT_WAIT_BUY", 60),
		LimitWaitSell:           getEnvAsInt("LIMIT_WAIT_SELL", 60),
		HoldingSide:             strings.ToUpper(getEnv("HOLDING_SIDE", "BUY")),
		HoldingStep:             getEnvAsFloatRange("HOLDING_STEP", domain.FloatRange{Min: 1, Max: 2}),
		HoldingOffset:           getEnvAsFloatRange("HOLDING_OFFSET", domain.FloatRange{Min: 0.5, Max: 3}),
		MinSellUSD:              getEnvAsFloat("MIN_SELL_USD", 1),
		SleepBetweenOrders:      getEnvAsRange("SLEEP_BETWEEN_ORDERS", domain.Range{Min: 10, Max: 30}),
		SleepBetweenOpenOrders:  getEnvAsRange("SLEEP_BETWEEN_OPEN_ORDERS", domain.Range{Min: 1, Max: 5}),
		SleepBetweenCloseOrders: getEnvAsRange("SLEEP_BETWEEN_CLOSE_ORDERS", domain.Range{Min: 1, Max: 5}),
		DryRunBalance:           getEnvAsFloat("DRY_RUN_BALANCE", 100),
		DryRunVolatility:        getEnvAsFloat("DRY_RUN_VOLATILITY", 0.005),
		TelegramToken:           getEnv("TG_BOT_TOKEN", ""),
		TelegramUserIDs:         getEnvAsList("TG_USER_IDS"),
		StatusPort:              getEnvAsInt("STATUS_PORT", 0),
		Backup:                  loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that numeric settings are usable
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("THREADS must be at least 1, got %d", c.Threads)
	}

	ranges := map[string]domain.Range{
		"SLEEP_AFTER_ACCOUNT":   c.SleepAfterAccount,
		"SLEEP_BETWEEN_THREADS": c.SleepBetweenThreads,
		"BID_AMOUNTS":           c.BidAmounts,
		"PAIR_AMOUNT":           c.PairAmount,
		"POSITION_HOLD":         c.PositionHold,

		"SLEEP_BETWEEN_ORDERS":       c.SleepBetweenOrders,
		"SLEEP_BETWEEN_OPEN_ORDERS":  c.SleepBetweenOpenOrders,
		"SLEEP_BETWEEN_CLOSE_ORDERS": c.SleepBetweenCloseOrders,
	}
	for name, r := range ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.BidAmounts.Min < 1 {
		return fmt.Errorf("BID_AMOUNTS must queue at least one module per account")
	}
	if err := c.StakeRange.Validate(); err != nil {
		return fmt.Errorf("STAKE_RANGE: %w", err)
	}

	for name, types := range map[string][]string{"OPEN_ORDER_TYPES": c.OpenOrderTypes, "CLOSE_ORDER_TYPES": c.CloseOrderTypes} {
		for _, t := range types {
			if t != "market" && t != "limit" {
				return fmt.Errorf("%s: unknown order type %q", name, t)
			}
		}
	}
	if c.HoldingSide != "" && c.HoldingSide != "BUY" && c.HoldingSide != "SELL" {
		return fmt.Errorf("HOLDING_SIDE must be BUY or SELL, got %q", c.HoldingSide)
	}
	if err := c.HoldingOffset.Validate(); err != nil {
		return fmt.Errorf("HOLDING_OFFSET: %w", err)
	}

	if c.Backup != nil && c.Backup.Enabled {
		if c.Backup.AccountID == "" || c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" || c.Backup.Bucket == "" {
			return fmt.Errorf("R2 backup enabled but credentials or bucket are missing")
		}
	}

	return nil
}

// TelegramEnabled reports whether reports should be delivered to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && len(c.TelegramUserIDs) > 0
}

// DatabasesDir is where the JSON job store and the history database live.
func (c *Config) DatabasesDir() string {
	return filepath.Join(c.DataDir, "databases")
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:         getEnvAsBool("R2_BACKUP_ENABLED", false),
		Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 */6 * * *"),
		AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		Bucket:          getEnv("R2_BUCKET", ""),
		RetentionDays:   getEnvAsInt("R2_RETENTION_DAYS", 14),
	}
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", abs, err)
	}
	return abs, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsRange parses "a-b", "a,b" or a single "a".
func getEnvAsRange(key string, defaultValue domain.Range) domain.Range {
	parts := splitPair(os.Getenv(key))
	if parts == nil {
		return defaultValue
	}
	lo, err := strconv.Atoi(parts[0])
	if err != nil {
		return defaultValue
	}
	hi, err := strconv.Atoi(parts[1])
	if err != nil {
		return defaultValue
	}
	return domain.NewRange(lo, hi)
}

func getEnvAsFloatRange(key string, defaultValue domain.FloatRange) domain.FloatRange {
	parts := splitPair(os.Getenv(key))
	if parts == nil {
		return defaultValue
	}
	lo, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return defaultValue
	}
	hi, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return defaultValue
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return domain.FloatRange{Min: lo, Max: hi}
}

func getEnvAsList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsListDefault(key string, defaultValue []string) []string {
	if list := getEnvAsList(key); len(list) > 0 {
		for i := range list {
			list[i] = strings.ToLower(list[i])
		}
		return list
	}
	return defaultValue
}

func splitPair(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	sep := ","
	if !strings.Contains(value, ",") && strings.Contains(value[1:], "-") {
		// skip a leading minus sign when looking for the separator
		idx := strings.Index(value[1:], "-") + 1
		return []string{strings.TrimSpace(value[:idx]), strings.TrimSpace(value[idx+1:])}
	}
	parts := strings.SplitN(value, sep, 2)
	if len(parts) == 1 {
		return []string{parts[0], parts[0]}
	}
	return []string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
}
