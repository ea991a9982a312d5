package db

import (
	"errors"
	"fmt"
	stlog "log" // gorm's logger.New expects a standard log.Logger
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"zapdesk/internal/models"
)

// pendingTransferIndex enforces at most one PENDING transfer per contact.
// Both postgres and sqlite support partial indexes with this syntax.
const pendingTransferIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_transfer_pending_contact
	ON transfer_requests (contact_id) WHERE status = 'PENDING'`

// withBusyTimeout makes sqlite wait up to 5s for a competing writer instead
// of failing with SQLITE_BUSY. The key store opens the same file through its
// own pool.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}

// Open connects gorm to postgres or sqlite with a logger that writes through zerolog.
func Open(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(withBusyTimeout(dsn))
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dbType != "postgres" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY under concurrent workers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info().Str("dbType", dbType).Msg("Database connection established")
	return db, nil
}

func newGormLogger() gormlogger.Interface {
	var level gormlogger.LogLevel
	switch zerolog.GlobalLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		level = gormlogger.Info
	case zerolog.InfoLevel, zerolog.WarnLevel:
		level = gormlogger.Warn
	case zerolog.Disabled:
		level = gormlogger.Silent
	default:
		level = gormlogger.Error
	}
	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Migrate creates or updates every table owned by gorm models plus the
// indexes gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	if err := db.Exec(pendingTransferIndex).Error; err != nil {
		return fmt.Errorf("failed to create pending transfer index: %w", err)
	}
	log.Info().Int("modelsMigrated", len(models.All())).Msg("Database migration completed")
	return nil
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsNotFound reports whether err is gorm's record-not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
