package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"repaircoin/services/redemptiond/models"
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// ErrDSNRequired is returned when no database DSN is configured.
var ErrDSNRequired = errors.New("storage: database dsn must be configured")

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// Driver reports which gorm dialector serves the DSN.
func Driver(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open connects to Postgres or SQLite depending on the DSN shape.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch Driver(trimmed) {
	case "postgres":
		dialector = postgres.Open(trimmed)
	default:
		if !strings.HasPrefix(trimmed, "file:") && !strings.Contains(trimmed, ":memory:") {
			resolved, err := FileDSN(strings.TrimPrefix(trimmed, "sqlite://"))
			if err != nil {
				return nil, err
			}
			trimmed = resolved
		}
		dialector = sqlite.Open(trimmed)
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// OpenAndMigrate opens the database and applies the schema.
func OpenAndMigrate(dsn string, opts Options) (*gorm.DB, error) {
	db, err := Open(dsn, opts)
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		_ = Close(db)
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory SQLite database with the schema applied.
// A single connection serialises writers the way row locks do on Postgres.
func OpenMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return OpenAndMigrate(dsn, Options{MaxOpenConns: 1, LogLevel: logger.Silent})
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
