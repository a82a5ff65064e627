package storage

import (
	"context"
	"errors"

	"fleetpipe/internal/domain"
)

var ErrNotFound = errors.New("not found")

// MetricRepository persists vehicle metrics. Rows are append-only and carry
// no uniqueness constraint, so a redelivered record produces a second row.
type MetricRepository interface {
	InsertMetric(ctx context.Context, m domain.VehicleMetric) error
	// MetricsByVehicle returns rows in insertion order, empty when none exist.
	MetricsByVehicle(ctx context.Context, vehicleKey string) ([]domain.VehicleMetric, error)
	AllMetrics(ctx context.Context) ([]domain.VehicleMetric, error)
	DeleteMetricsByVehicle(ctx context.Context, vehicleKey string) error
	DeleteAllMetrics(ctx context.Context) error
}

// TruckRepository persists vehicle identities, keyed by plate.
type TruckRepository interface {
	InsertTruck(ctx context.Context, t domain.Truck) error
	TruckByPlate(ctx context.Context, plate string) (domain.Truck, error)
	AllTrucks(ctx context.Context) ([]domain.Truck, error)
	DeleteTruck(ctx context.Context, plate string) error
	DeleteAllTrucks(ctx context.Context) error
}
