package database

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"time"
	"unicode"

	"github.com/ksred/klear-liquidity/internal/database/migrations"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewLogger returns the gorm logger used for every connection. Expected
// not-found lookups are not logged.
func NewLogger(w io.Writer) logger.Interface {
	return logger.New(stdlog.New(w, "", 0), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// NewDatabase opens the sqlite database at path and runs all migrations
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         NewLogger(log.With().Str("component", "gorm").Logger()),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// sqlite serialises writers anyway; a single connection avoids SQLITE_BUSY
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.AddLiquidityCore(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOverrideAudit(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewMemoryDatabase opens a private in-memory database, used by tests
func NewMemoryDatabase(name string) (*gorm.DB, error) {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, name)
	return NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", safe))
}
