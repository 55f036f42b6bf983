// Package store persists received messages to a SQLite database.
package store

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/bemasher/rtlgridstream/parse"
)

// Config holds database configuration
type Config struct {
	Path string // Path to SQLite database file
}

// Store wraps the GORM database instance
type Store struct {
	db *gorm.DB
}

// Open creates or opens the database at cfg.Path using the pure Go SQLite
// driver. A nil log silences GORM.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	var gormLog logger.Interface
	if log != nil {
		gormLog = logger.New(
			log,
			logger.Config{
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	} else {
		gormLog = logger.Default.LogMode(logger.Silent)
	}

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, xerrors.Errorf("open %q: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if err := configureSQLite(sqlDB); err != nil {
		return nil, xerrors.Errorf("configure %q: %w", cfg.Path, err)
	}

	if err := db.AutoMigrate(&Reading{}, &Meter{}); err != nil {
		return nil, xerrors.Errorf("migrate %q: %w", cfg.Path, err)
	}

	if log != nil {
		log.WithField("path", cfg.Path).Info("database initialized")
	}

	return &Store{db: db}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	// A single writer, the receive loop.
	sqlDB.SetMaxOpenConns(1)

	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}

// Encode stores a LogMessage and updates its meter's summary, it lets a
// Store stand in for an output encoder.
func (s *Store) Encode(v interface{}) error {
	msg, ok := v.(parse.LogMessage)
	if !ok {
		return xerrors.Errorf("store: unsupported type %T", v)
	}
	return s.Save(msg)
}

func (s *Store) Save(msg parse.LogMessage) error {
	reading, err := NewReading(msg)
	if err != nil {
		return xerrors.Errorf("store: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&reading).Error; err != nil {
			return err
		}

		meter := Meter{
			MeterID:   reading.MeterID,
			FirstSeen: reading.ReceivedAt,
			LastSeen:  reading.ReceivedAt,
			Messages:  1,
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "meter_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_seen": reading.ReceivedAt,
				"messages":  gorm.Expr("messages + 1"),
			}),
		}).Create(&meter).Error
	})
}

// Readings returns a meter's readings, oldest first.
func (s *Store) Readings(meterID string) ([]Reading, error) {
	var readings []Reading
	err := s.db.Where("meter_id = ?", meterID).Order("received_at, id").Find(&readings).Error
	return readings, err
}

// Since returns readings received at or after t from every meter.
func (s *Store) Since(t time.Time) ([]Reading, error) {
	var readings []Reading
	err := s.db.Where("received_at >= ?", t).Order("received_at, id").Find(&readings).Error
	return readings, err
}

func (s *Store) Meter(meterID string) (*Meter, error) {
	var meter Meter
	if err := s.db.Where("meter_id = ?", meterID).First(&meter).Error; err != nil {
		return nil, err
	}
	return &meter, nil
}

func (s *Store) Meters() ([]Meter, error) {
	var meters []Meter
	err := s.db.Order("meter_id").Find(&meters).Error
	return meters, err
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
