package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyVehicleKey = errors.New("vehicle key is required")
	ErrInvalidUTF8     = errors.New("payload is not valid utf-8")
	ErrMissingField    = errors.New("required field is missing or null")
	ErrTrailingData    = errors.New("trailing data after payload")
)

// VehicleMetric is one telemetry reading for a vehicle. It is a value type:
// producers build it once and nothing downstream mutates it.
type VehicleMetric struct {
	VehicleKey string
	FuelLevel  float64
	Speed      float64
}

// Truck is the vehicle identity stored beside the metrics.
type Truck struct {
	Plate string
	Year  int
	Model string
}

// wireMetric is the stream payload. Field names are a contract with every
// consumer of the topic and must not change without a version field.
type wireMetric struct {
	TruckPlate string  `json:"truck_plate"`
	Gasoline   float64 `json:"gasoline"`
	Speed      float64 `json:"speed"`
}

func NewVehicleMetric(vehicleKey string, fuelLevel, speed float64) VehicleMetric {
	return VehicleMetric{VehicleKey: vehicleKey, FuelLevel: fuelLevel, Speed: speed}
}

func (m VehicleMetric) Validate() error {
	if strings.TrimSpace(m.VehicleKey) == "" {
		return ErrEmptyVehicleKey
	}
	return nil
}

// Encode returns the UTF-8 JSON wire form of m.
func (m VehicleMetric) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(wireMetric{TruckPlate: m.VehicleKey, Gasoline: m.FuelLevel, Speed: m.Speed})
	if err != nil {
		return nil, fmt.Errorf("encode vehicle metric: %w", err)
	}
	return b, nil
}

// DecodeVehicleMetric parses a wire payload produced by Encode. All three
// fields must be present and non-null; unknown fields and trailing data are
// rejected.
func DecodeVehicleMetric(payload []byte) (VehicleMetric, error) {
	if !utf8.Valid(payload) {
		return VehicleMetric{}, ErrInvalidUTF8
	}
	var in struct {
		TruckPlate *string  `json:"truck_plate"`
		Gasoline   *float64 `json:"gasoline"`
		Speed      *float64 `json:"speed"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w", ErrTrailingData)
	}
	switch {
	case in.TruckPlate == nil:
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w", ErrEmptyVehicleKey)
	case in.Gasoline == nil:
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w: gasoline", ErrMissingField)
	case in.Speed == nil:
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w: speed", ErrMissingField)
	}
	m := VehicleMetric{VehicleKey: *in.TruckPlate, FuelLevel: *in.Gasoline, Speed: *in.Speed}
	if err := m.Validate(); err != nil {
		return VehicleMetric{}, fmt.Errorf("decode vehicle metric: %w", err)
	}
	return m, nil
}
