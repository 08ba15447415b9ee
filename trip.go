package osm2sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// TripMode is the way a synthetic person travels
type TripMode uint16

const (
	MODE_WALK = TripMode(iota + 1)
	MODE_BIKE
	MODE_TRANSIT
	MODE_DRIVE
	MODE_UNDEFINED = TripMode(0)
)

// Fixed order used whenever modes are sampled
var tripModes = []TripMode{MODE_WALK, MODE_BIKE, MODE_TRANSIT, MODE_DRIVE}

func (iotaIdx TripMode) String() string {
	return [...]string{"undefined", "walk", "bike", "transit", "drive"}[iotaIdx]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx TripMode) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *TripMode) UnmarshalText(text []byte) error {
	mode, err := ParseTripMode(string(text))
	if err != nil {
		return err
	}
	*iotaIdx = mode
	return nil
}

// ParseTripMode returns mode for given name
func ParseTripMode(name string) (TripMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, mode := range tripModes {
		if mode.String() == name {
			return mode, nil
		}
	}
	return MODE_UNDEFINED, errors.Errorf("Unknown trip mode '%s'", name)
}

// modeWeights flattens weights map in given order. Missing modes get zero weight
func modeWeights(share map[TripMode]float64, order []TripMode) []float64 {
	weights := make([]float64, len(order))
	for i, mode := range order {
		weights[i] = share[mode]
	}
	return weights
}

// TripPurpose is why a synthetic person travels
type TripPurpose uint16

const (
	PURPOSE_HOME = TripPurpose(iota + 1)
	PURPOSE_WORK
	PURPOSE_SCHOOL
	PURPOSE_ESCORT
	PURPOSE_PERSONAL_BUSINESS
	PURPOSE_SHOPPING
	PURPOSE_MEAL
	PURPOSE_RECREATION
	PURPOSE_MEDICAL
	PURPOSE_UNDEFINED = TripPurpose(0)
)

var tripPurposes = []TripPurpose{
	PURPOSE_HOME,
	PURPOSE_WORK,
	PURPOSE_SCHOOL,
	PURPOSE_ESCORT,
	PURPOSE_PERSONAL_BUSINESS,
	PURPOSE_SHOPPING,
	PURPOSE_MEAL,
	PURPOSE_RECREATION,
	PURPOSE_MEDICAL,
}

func (iotaIdx TripPurpose) String() string {
	return [...]string{"undefined", "home", "work", "school", "escort", "personal_business", "shopping", "meal", "recreation", "medical"}[iotaIdx]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx TripPurpose) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *TripPurpose) UnmarshalText(text []byte) error {
	purpose, err := ParseTripPurpose(string(text))
	if err != nil {
		return err
	}
	*iotaIdx = purpose
	return nil
}

// ParseTripPurpose returns purpose for given name
func ParseTripPurpose(name string) (TripPurpose, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, purpose := range tripPurposes {
		if purpose.String() == name {
			return purpose, nil
		}
	}
	return PURPOSE_UNDEFINED, errors.Errorf("Unknown trip purpose '%s'", name)
}

func purposeWeights(purposes map[TripPurpose]float64) []float64 {
	weights := make([]float64, len(tripPurposes))
	for i, purpose := range tripPurposes {
		weights[i] = purposes[purpose]
	}
	return weights
}

// TripRecord is a single synthesized trip
type TripRecord struct {
	ID       uuid.UUID `json:"id"`
	PersonID uuid.UUID `json:"person_id"`
	// Global position of the trip in scenario
	Ordinal          uint64      `json:"ordinal"`
	OriginCell       string      `json:"origin_cell"`
	DestinationCell  string      `json:"destination_cell"`
	Origin           orb.Point   `json:"origin"`
	Destination      orb.Point   `json:"destination"`
	DepartureSeconds int         `json:"departure_seconds"`
	Mode             TripMode    `json:"mode"`
	Purpose          TripPurpose `json:"purpose"`
	DistanceMeters   float64     `json:"distance_meters"`
}

// Departure returns departure time as offset from midnight
func (trip *TripRecord) Departure() time.Duration {
	return time.Duration(trip.DepartureSeconds) * time.Second
}

// String Pretty printing for TripRecord
func (trip TripRecord) String() string {
	d := trip.Departure()
	return fmt.Sprintf("#%d %s -> %s at %02d:%02d:%02d by %s (%s)", trip.Ordinal, trip.OriginCell, trip.DestinationCell, int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60, trip.Mode, trip.Purpose)
}
