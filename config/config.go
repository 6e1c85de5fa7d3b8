package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Ki0xk/kiosk/models"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// AccountingLedger is the in-process accounting backend. Channel operations are
// simulated in memory and nothing reaches a clearing network.
const AccountingLedger = "ledger"

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	JWTSecret        string
	JWTRefreshSecret string
	KioskAPIKey      string
	OperatorAPIKey   string
	PinPepper        string

	// AccountingBackend selects the accounting-channel client. Only "ledger", the
	// in-process simulated ledger, ships with this build.
	AccountingBackend string

	FeeRecipient      string
	CustodyAddress    string
	AccountingAsset   string
	ChannelChainID    int64
	AccountingTimeout time.Duration
	BridgeTimeout     time.Duration
	RetryInterval     time.Duration
	MaxAutoAttempts   int
	MaxManualAttempts int
	PinMaxFailures    int
	PinLockout        time.Duration
	LeaseTTL          time.Duration
	ResolverTimeout   time.Duration

	BridgeAPIURL string

	StellarNetwork      string
	HorizonURL          string
	NetworkPassphrase   string
	StellarSourceSecret string
	StellarAssetCode    string
	StellarAssetIssuer  string

	LegacyPinWalletsPath string
	LegacySessionsPath   string
}

func LoadConfig() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "data/kiosk.db"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),

		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTRefreshSecret: os.Getenv("JWT_REFRESH_SECRET"),
		KioskAPIKey:      os.Getenv("KIOSK_API_KEY"),
		OperatorAPIKey:   os.Getenv("OPERATOR_API_KEY"),
		PinPepper:        os.Getenv("PIN_PEPPER"),

		FeeRecipient:    os.Getenv("FEE_RECIPIENT"),
		CustodyAddress:  os.Getenv("CUSTODY_ADDRESS"),
		AccountingAsset: getEnvOrDefault("ACCOUNTING_ASSET", "usdc"),

		AccountingBackend: strings.ToLower(getEnvOrDefault("ACCOUNTING_BACKEND", AccountingLedger)),

		BridgeAPIURL: os.Getenv("BRIDGE_API_URL"),

		StellarNetwork:      getEnvOrDefault("STELLAR_NETWORK", "testnet"),
		HorizonURL:          getEnvOrDefault("HORIZON_URL", "https://horizon-testnet.stellar.org"),
		NetworkPassphrase:   getEnvOrDefault("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
		StellarSourceSecret: os.Getenv("STELLAR_SOURCE_SECRET"),
		StellarAssetCode:    getEnvOrDefault("STELLAR_ASSET_CODE", "USDC"),
		StellarAssetIssuer:  os.Getenv("STELLAR_ASSET_ISSUER"),

		LegacyPinWalletsPath: os.Getenv("LEGACY_PIN_WALLETS_PATH"),
		LegacySessionsPath:   os.Getenv("LEGACY_SESSIONS_PATH"),
	}

	var err error
	if cfg.AccountingTimeout, err = getEnvDuration("ACCOUNTING_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.BridgeTimeout, err = getEnvDuration("BRIDGE_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = getEnvDuration("RETRY_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PinLockout, err = getEnvDuration("PIN_LOCKOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LeaseTTL, err = getEnvDuration("LEASE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ResolverTimeout, err = getEnvDuration("RESOLVER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	chainID, err := getEnvInt("CHANNEL_CHAIN_ID", 8453)
	if err != nil {
		return nil, err
	}
	cfg.ChannelChainID = int64(chainID)
	if cfg.MaxAutoAttempts, err = getEnvInt("MAX_AUTO_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxManualAttempts, err = getEnvInt("MAX_MANUAL_ATTEMPTS", 0); err != nil {
		return nil, err
	}
	if cfg.PinMaxFailures, err = getEnvInt("PIN_MAX_FAILURES", 5); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every missing secret at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"JWT_SECRET":         c.JWTSecret,
		"JWT_REFRESH_SECRET": c.JWTRefreshSecret,
		"KIOSK_API_KEY":      c.KioskAPIKey,
		"OPERATOR_API_KEY":   c.OperatorAPIKey,
		"PIN_PEPPER":         c.PinPepper,
	}
	for _, key := range []string{"JWT_SECRET", "JWT_REFRESH_SECRET", "KIOSK_API_KEY", "OPERATOR_API_KEY", "PIN_PEPPER"} {
		if required[key] == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.MaxAutoAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_AUTO_ATTEMPTS must be at least 1, got %d", c.MaxAutoAttempts))
	}
	if c.AccountingBackend != AccountingLedger {
		errs = append(errs, fmt.Errorf("ACCOUNTING_BACKEND %q is not supported (want %q)", c.AccountingBackend, AccountingLedger))
	}
	if c.MaxManualAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_MANUAL_ATTEMPTS must not be negative, got %d", c.MaxManualAttempts))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("log_level", c.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// Dialector picks the gorm driver from the DSN: postgres URLs and key=value DSNs go
// to postgres, anything else is treated as a sqlite file path.
func Dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	if err := ensureDir(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	db, err := gorm.Open(Dialector(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite allows one writer; serialize so optimistic updates never hit SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.PinWallet{}, &models.Session{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func ensureDir(dsn string) error {
	if _, ok := Dialector(dsn).(*sqlite.Dialector); !ok {
		return nil
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	dir := filepath.Dir(path)
	if dir == "." || strings.HasPrefix(path, "file:") || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
