package migrations

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// All returns the ordered migration set for the named gorm dialect.
func All(dialect string) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: withORM(dialect, upInit)},
			&goose.GoFunc{RunTx: withORM(dialect, downInit)},
		),
	}
}

type Job struct {
	ID             string `gorm:"primaryKey;size:36"`
	Name           string `gorm:"size:64;not null;index:idx_jobs_name_state,priority:1"`
	DeploymentID   string `gorm:"size:36;not null;index"`
	Label          string `gorm:"size:255"`
	DependsOn      string `gorm:"size:36;index"`
	Data           datatypes.JSON
	Attempts       int    `gorm:"not null;default:1"`
	BackoffType    string `gorm:"size:16"`
	BackoffDelayMS int64  `gorm:"not null;default:0"`
	DelayMS        int64  `gorm:"not null;default:0"`
	State          string `gorm:"size:16;not null;index:idx_jobs_name_state,priority:2"`
	Progress       int    `gorm:"not null;default:0"`
	AttemptsMade   int    `gorm:"not null;default:0"`
	FailedReason   string
	Result         datatypes.JSONMap
	RetriedBy      string    `gorm:"size:36"`
	CreatedAt      time.Time `gorm:"not null"`
	RunAt          time.Time `gorm:"not null"`
	ProcessedAt    *time.Time
	FinishedAt     *time.Time
}

func withORM(dialect string, fn func(context.Context, *gorm.DB) error) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		var dialector gorm.Dialector
		switch dialect {
		case "postgres":
			dialector = postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true})
		case "sqlite":
			dialector = &sqlite.Dialector{Conn: tx}
		default:
			return errors.New("unsupported dialect " + dialect)
		}

		gormDB, err := gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return err
		}
		return fn(ctx, gormDB.WithContext(ctx))
	}
}

func upInit(ctx context.Context, gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(&Job{})
}

func downInit(ctx context.Context, gormDB *gorm.DB) error {
	return gormDB.Migrator().DropTable(&Job{})
}
