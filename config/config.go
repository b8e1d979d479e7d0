package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/table-sessions/utils"
)

type Config struct {
	DBDriver string
	DBDSN    string
	Port     string
	GinMode  string

	JWTSecret      string
	StaffPinPepper string
	AllowedOrigin  string

	OperationTimeout    time.Duration
	DirectoryTimeout    time.Duration
	AuditMaxAttempts    int
	AuditInitialBackoff time.Duration

	LockMode string
	LockDSN  string

	StuckClosingAfter time.Duration
	ReconcileInterval time.Duration
	SnapshotTTL       time.Duration

	PinAttemptBurst    int
	PinAttemptInterval time.Duration
	RequestsPerMinute  int
}

// Load reads .env when present, then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		utils.InfoLogger.Debugf(".env not loaded: %v", err)
	}

	return Config{
		DBDriver: readString("DB_DRIVER", "mysql"),
		DBDSN:    readString("DB_DSN", "root:@tcp(127.0.0.1:3306)/table_sessions?charset=utf8mb4&parseTime=True&loc=Local"),
		Port:     readString("PORT", "8080"),
		GinMode:  readString("GIN_MODE", "debug"),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		StaffPinPepper: readString("STAFF_PIN_PEPPER", "dev-pin-pepper"),
		AllowedOrigin:  os.Getenv("ALLOWED_ORIGIN"),

		OperationTimeout:    readDuration("OPERATION_TIMEOUT", 10*time.Second),
		DirectoryTimeout:    readDuration("DIRECTORY_TIMEOUT", 3*time.Second),
		AuditMaxAttempts:    readInt("AUDIT_MAX_ATTEMPTS", 5),
		AuditInitialBackoff: readDuration("AUDIT_INITIAL_BACKOFF", 100*time.Millisecond),

		LockMode: readString("LOCK_MODE", "memory"),
		LockDSN:  os.Getenv("LOCK_DSN"),

		StuckClosingAfter: readDuration("STUCK_CLOSING_AFTER", 5*time.Minute),
		ReconcileInterval: readDuration("RECONCILE_INTERVAL", time.Minute),
		SnapshotTTL:       readDuration("SNAPSHOT_TTL", 2*time.Second),

		PinAttemptBurst:    readInt("PIN_ATTEMPT_BURST", 5),
		PinAttemptInterval: readDuration("PIN_ATTEMPT_INTERVAL", time.Minute),
		RequestsPerMinute:  readInt("REQUESTS_PER_MINUTE", 600),
	}
}

// InitDB opens the relational store. sqlite is for local runs and tests.
func InitDB(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.DBDriver) {
	case "mysql":
		dialector = mysql.Open(cfg.DBDSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DBDriver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(cfg.DBDriver) == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	utils.InfoLogger.WithField("driver", cfg.DBDriver).Info("database connected")
	return db, nil
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
