package dispatch

import (
	"fleetpipe/internal/domain"
	"fleetpipe/internal/metrics"

	"go.uber.org/zap"
)

// LogReporter logs sample outcomes and counts them in the process metrics.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Delivered(m domain.VehicleMetric) {
	metrics.SamplesPublished.Inc()
	r.logger.Debug("metric delivered",
		zap.String("vehicle_key", m.VehicleKey),
		zap.Float64("fuel_level", m.FuelLevel),
		zap.Float64("speed", m.Speed))
}

func (r *LogReporter) Failed(m domain.VehicleMetric, err error) {
	metrics.PublishFailures.Inc()
	r.logger.Error("metric publish failed",
		zap.String("vehicle_key", m.VehicleKey),
		zap.Error(err))
}

func (r *LogReporter) Dropped(m domain.VehicleMetric) {
	metrics.SamplesDropped.Inc()
	r.logger.Warn("metric dropped on shutdown", zap.String("vehicle_key", m.VehicleKey))
}

func sampleAccepted() { metrics.SamplesDispatched.Inc() }

func laneOpened() { metrics.Lanes.Inc() }

func laneClosed() { metrics.Lanes.Dec() }
