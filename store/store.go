// Package store persists the engine configuration record in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"locate-go/fusion"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	keyParams  = "rssi_params"
	keyBroker  = "mqtt"
	keyFloors  = "floors"
	keySavedAt = "saved_at"
)

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &Store{db: db, log: logger.With("component", "store")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log}
	return m, nil
}

// migrateUp runs all pending migrations. m is not closed since that would close s.db.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// Save replaces the stored record in a single transaction.
func (s *Store) Save(ctx context.Context, rec fusion.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM anchors`); err != nil {
		return fmt.Errorf("clear anchors: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM settings`); err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO anchors (seq, mac, x, y, floor) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, a := range rec.Anchors {
		var x, y sql.NullFloat64
		if pt, ok := a.Position.Point(); ok {
			x = sql.NullFloat64{Float64: pt.X, Valid: true}
			y = sql.NullFloat64{Float64: pt.Y, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx, i+1, a.ID, x, y, a.Floor); err != nil {
			return fmt.Errorf("insert anchor %s: %w", a.ID, err)
		}
	}

	settings := map[string]any{keySavedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	if rec.Params != nil {
		settings[keyParams] = rec.Params
	}
	if rec.Broker != nil {
		settings[keyBroker] = rec.Broker
	}
	if len(rec.Floors) > 0 {
		settings[keyFloors] = rec.Floors
	}
	for k, v := range settings {
		b, mErr := json.Marshal(v)
		if mErr != nil {
			err = fmt.Errorf("encode %s: %w", k, mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, k, string(b)); err != nil {
			return fmt.Errorf("insert setting %s: %w", k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("record saved", "anchors", len(rec.Anchors))
	return nil
}

// Load returns the stored record. found is false when nothing was ever saved.
func (s *Store) Load(ctx context.Context) (rec fusion.Record, found bool, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return fusion.Record{}, false, err
	}
	settings := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fusion.Record{}, false, err
		}
		settings[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fusion.Record{}, false, err
	}
	if _, ok := settings[keySavedAt]; !ok {
		return fusion.Record{}, false, nil
	}

	if v, ok := settings[keyParams]; ok {
		rec.Params = &fusion.ParamsRecord{}
		if err := json.Unmarshal([]byte(v), rec.Params); err != nil {
			return fusion.Record{}, false, fmt.Errorf("decode %s: %w", keyParams, err)
		}
	}
	if v, ok := settings[keyBroker]; ok {
		rec.Broker = &fusion.BrokerRecord{}
		if err := json.Unmarshal([]byte(v), rec.Broker); err != nil {
			return fusion.Record{}, false, fmt.Errorf("decode %s: %w", keyBroker, err)
		}
	}
	if v, ok := settings[keyFloors]; ok {
		if err := json.Unmarshal([]byte(v), &rec.Floors); err != nil {
			return fusion.Record{}, false, fmt.Errorf("decode %s: %w", keyFloors, err)
		}
	}

	arows, err := s.db.QueryContext(ctx, `SELECT mac, x, y, floor FROM anchors ORDER BY seq`)
	if err != nil {
		return fusion.Record{}, false, err
	}
	defer arows.Close()
	rec.Anchors = []fusion.Anchor{}
	for arows.Next() {
		var a fusion.Anchor
		var x, y sql.NullFloat64
		if err := arows.Scan(&a.ID, &x, &y, &a.Floor); err != nil {
			return fusion.Record{}, false, err
		}
		if x.Valid && y.Valid {
			a.Position = fusion.At(x.Float64, y.Float64)
		}
		rec.Anchors = append(rec.Anchors, a)
	}
	if err := arows.Err(); err != nil {
		return fusion.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
