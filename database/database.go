// Package database is an ArtifactCache in SQLite, recording every delivered artifact.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/generic"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// A File is the record of one delivered artifact.
type File struct {
	ID         int64 `gorm:"primaryKey"`
	Link       string
	Reference  string
	Format     string
	RecordedAt time.Time
}

func (File) TableName() string {
	return "files"
}

func (f *File) entry() saver.CacheEntry {
	return saver.CacheEntry{
		Link:       f.Link,
		Reference:  f.Reference,
		Format:     f.Format,
		RecordedAt: f.RecordedAt,
	}
}

type Database struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewDatabase(path string, logger *zap.Logger) (*Database, error) {
	gormLogger := zapgorm2.New(logger.Named("gorm"))
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return &Database{db: db, log: logger.Sugar().Named("database")}, nil
}

func (d *Database) Migrate() error {
	d.log.Info("running database migrations")
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch {
	case err == nil:
		d.log.Info("database migration complete")
	case errors.Is(err, migrate.ErrNoChange):
		d.log.Info("no database migration required")
	default:
		return err
	}
	return nil
}

func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (d *Database) Lookup(ctx context.Context, link string) (generic.Option[saver.CacheEntry], error) {
	var f File
	err := d.db.WithContext(ctx).Where("link = ?", saver.NormalizeLink(link)).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generic.None[saver.CacheEntry](), nil
	} else if err != nil {
		return generic.None[saver.CacheEntry](), fmt.Errorf("failed to look up %v: %w", link, err)
	}
	return generic.Some(f.entry()), nil
}

// Insert records entry, replacing any earlier record of the same link.
func (d *Database) Insert(ctx context.Context, entry saver.CacheEntry) error {
	f := File{
		Link:       saver.NormalizeLink(entry.Link),
		Reference:  entry.Reference,
		Format:     entry.Format,
		RecordedAt: entry.RecordedAt,
	}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now().UTC()
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "link"}},
		DoUpdates: clause.AssignmentColumns([]string{"reference", "format", "recorded_at"}),
	}).Create(&f).Error
	if err != nil {
		return fmt.Errorf("failed to record %v: %w", f.Link, err)
	}
	return nil
}

// Count returns the number of recorded files.
func (d *Database) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&File{}).Count(&n).Error
	return n, err
}

var _ saver.ArtifactCache = (*Database)(nil)
