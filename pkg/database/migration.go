package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	pkgerrors "github.com/pkg/errors"
)

// migrationLogger adapts ectologger to migrate.Logger.
type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool {
	return false
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	FolderPath string
	// Version pins the schema to a specific version; 0 means latest.
	Version uint
	// Force marks the schema as clean at the given version before migrating.
	Force int
	// AutoRollback forces a dirty schema back to the version it had before the failed run.
	AutoRollback bool
}

type MigrationService struct {
	config MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

func (ms *MigrationService) folder() string {
	if filepath.IsAbs(ms.config.FolderPath) {
		return ms.config.FolderPath
	}
	if _, err := os.Stat(ms.config.FolderPath); err == nil {
		abs, _ := filepath.Abs(ms.config.FolderPath)
		return abs
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, ms.config.FolderPath)
}

// Migrate applies the file migrations to a PostgreSQL database.
func (ms *MigrationService) Migrate(db *sql.DB, databaseName string) error {
	folder := ms.folder()
	if _, err := os.Stat(folder); err != nil {
		return pkgerrors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrationLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return pkgerrors.Wrapf(err, "failed to force database to version %d", ms.config.Force)
		}
	}

	previous, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Warn("Failed to read current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		ms.logger.Infof("Database migrations applied in %v", time.Since(start))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	ms.logger.WithError(err).Error("Migration failed")

	version, dirty, verr := m.Version()
	if verr == nil && dirty && ms.config.AutoRollback {
		target := int(previous)
		if target == 0 {
			target = -1 // no version
		}
		ms.logger.Warnf("Database is dirty at version %d, forcing back to %d", version, target)
		if ferr := m.Force(target); ferr != nil {
			return pkgerrors.Wrapf(ferr, "failed to force database to version %d", target)
		}
	}

	// still fail so the service does not start on a half-applied schema
	return pkgerrors.Wrap(err, "failed to apply migrations")
}
