package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fleetpipe/internal/domain"
	"fleetpipe/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS truck (
	plate TEXT PRIMARY KEY,
	year INTEGER NOT NULL,
	model TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS truck_metric (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	truck_plate TEXT NOT NULL,
	gasoline REAL NOT NULL,
	speed REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_truck_metric_plate_id ON truck_metric(truck_plate, id);
`

var (
	_ storage.MetricRepository = (*Store)(nil)
	_ storage.TruckRepository  = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

// Open connects to dsn with at most maxConns pooled connections and applies
// the schema. A dsn may be a plain path or a file: URI.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	if maxConns < 1 {
		maxConns = 1
	}
	db, err := openSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) InsertMetric(ctx context.Context, m domain.VehicleMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO truck_metric (truck_plate, gasoline, speed) VALUES (?, ?, ?)`,
		m.VehicleKey, m.FuelLevel, m.Speed)
	if err != nil {
		return fmt.Errorf("insert metric for %q: %w", m.VehicleKey, err)
	}
	return nil
}

func (s *Store) MetricsByVehicle(ctx context.Context, vehicleKey string) ([]domain.VehicleMetric, error) {
	return s.queryMetrics(ctx, `
SELECT truck_plate, gasoline, speed FROM truck_metric
WHERE truck_plate = ?
ORDER BY id ASC`, vehicleKey)
}

func (s *Store) AllMetrics(ctx context.Context) ([]domain.VehicleMetric, error) {
	return s.queryMetrics(ctx, `SELECT truck_plate, gasoline, speed FROM truck_metric ORDER BY id ASC`)
}

func (s *Store) DeleteMetricsByVehicle(ctx context.Context, vehicleKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM truck_metric WHERE truck_plate = ?`, vehicleKey); err != nil {
		return fmt.Errorf("delete metrics for %q: %w", vehicleKey, err)
	}
	return nil
}

func (s *Store) DeleteAllMetrics(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM truck_metric`); err != nil {
		return fmt.Errorf("delete metrics: %w", err)
	}
	return nil
}

func (s *Store) queryMetrics(ctx context.Context, query string, args ...any) ([]domain.VehicleMetric, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.VehicleMetric{}
	for rows.Next() {
		var m domain.VehicleMetric
		if err := rows.Scan(&m.VehicleKey, &m.FuelLevel, &m.Speed); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertTruck(ctx context.Context, t domain.Truck) error {
	if strings.TrimSpace(t.Plate) == "" {
		return domain.ErrEmptyVehicleKey
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO truck (plate, year, model) VALUES (?, ?, ?)`, t.Plate, t.Year, t.Model)
	if err != nil {
		return fmt.Errorf("insert truck %q: %w", t.Plate, err)
	}
	return nil
}

func (s *Store) TruckByPlate(ctx context.Context, plate string) (domain.Truck, error) {
	row := s.db.QueryRowContext(ctx, `SELECT plate, year, model FROM truck WHERE plate = ?`, plate)
	var t domain.Truck
	err := row.Scan(&t.Plate, &t.Year, &t.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Truck{}, fmt.Errorf("truck %q: %w", plate, storage.ErrNotFound)
	}
	if err != nil {
		return domain.Truck{}, err
	}
	return t, nil
}

func (s *Store) AllTrucks(ctx context.Context) ([]domain.Truck, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plate, year, model FROM truck ORDER BY plate ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Truck{}
	for rows.Next() {
		var t domain.Truck
		if err := rows.Scan(&t.Plate, &t.Year, &t.Model); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTruck(ctx context.Context, plate string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM truck WHERE plate = ?`, plate); err != nil {
		return fmt.Errorf("delete truck %q: %w", plate, err)
	}
	return nil
}

func (s *Store) DeleteAllTrucks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM truck`); err != nil {
		return fmt.Errorf("delete trucks: %w", err)
	}
	return nil
}

// openSQLite sets pragmas through the DSN so every pooled connection gets them.
func openSQLite(dsn string) (*sql.DB, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"busy_timeout(5000)",
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
