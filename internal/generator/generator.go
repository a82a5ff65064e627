package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"fleetpipe/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Dispatcher interface {
	Dispatch(domain.VehicleMetric) error
}

type Config struct {
	Plates []string
	// Count is the number of samples to emit; 0 runs until cancelled.
	Count int
	Rate  float64
	Burst int
}

// Generator emits random readings for a fixed plate list, cycling through
// it at a steady rate.
type Generator struct {
	cfg     Config
	out     Dispatcher
	limiter *rate.Limiter
	logger  *zap.Logger
	reading func() float64
}

func New(cfg Config, out Dispatcher, logger *zap.Logger) (*Generator, error) {
	if len(cfg.Plates) == 0 {
		return nil, errors.New("generator needs at least one plate")
	}
	if cfg.Rate <= 0 {
		return nil, errors.New("generator rate must be positive")
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:     cfg,
		out:     out,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logger,
		reading: func() float64 { return rand.Float64() * 100 },
	}, nil
}

// Run returns how many samples were dispatched. Cancellation is a clean
// stop; a dispatch failure is returned.
func (g *Generator) Run(ctx context.Context) (int, error) {
	sent := 0
	for i := 0; g.cfg.Count == 0 || i < g.cfg.Count; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return sent, fmt.Errorf("rate limiter: %w", err)
		}
		plate := g.cfg.Plates[i%len(g.cfg.Plates)]
		m := domain.NewVehicleMetric(plate, g.reading(), g.reading())
		if err := g.out.Dispatch(m); err != nil {
			return sent, fmt.Errorf("dispatch %q: %w", plate, err)
		}
		sent++
	}
	g.logger.Info("generator finished", zap.Int("samples", sent))
	return sent, nil
}
