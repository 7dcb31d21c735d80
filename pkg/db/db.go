package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"appbuilder/pkg/db/migrations"
)

const (
	// DefaultTimeout is used when executing queries to avoid leaking resources on hung calls.
	DefaultTimeout = 5 * time.Second

	sqliteBusyPragma = "_pragma=busy_timeout(5000)"
)

// IsPostgres reports whether dsn addresses a PostgreSQL server rather than an sqlite file.
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Open creates a gorm session for dsn. PostgreSQL DSNs use the pgx-backed
// dialector, anything else is treated as an sqlite path. Without WithLogger
// gorm output is discarded.
func Open(ctx context.Context, dsn string, opts ...Option) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}

	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	gormCfg := &gorm.Config{
		Logger: newGormLogger(o.log),
	}

	var dialector gorm.Dialector
	postgresDSN := IsPostgres(dsn)
	if postgresDSN {
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	} else {
		dialector = sqlite.Open(sqliteDSN(dsn))
	}

	orm, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}
	if postgresDSN {
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	} else {
		// sqlite allows a single writer; serialise access instead of retrying on SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Ping(ctx, orm); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return orm, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteBusyPragma
	}
	return dsn + "?" + sqliteBusyPragma
}

// Migrate applies the Go migrations registered in the migrations package.
func Migrate(ctx context.Context, orm *gorm.DB) error {
	if orm == nil {
		return errors.New("nil orm provided")
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}

	dialect := goose.DialectSQLite3
	if orm.Dialector.Name() == "postgres" {
		dialect = goose.DialectPostgres
	}

	provider, err := goose.NewProvider(dialect, sqlDB, nil,
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(migrations.All(orm.Dialector.Name())...),
	)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTimeout applies a custom timeout when executing operations using the provided function.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Ping ensures the database is reachable with the default timeout.
func Ping(ctx context.Context, orm *gorm.DB) error {
	if orm == nil {
		return errors.New("nil orm provided")
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	return WithTimeout(ctx, DefaultTimeout, sqlDB.PingContext)
}

// Close releases the underlying sql.DB resources for the provided gorm handle.
func Close(orm *gorm.DB) error {
	if orm == nil {
		return nil
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
