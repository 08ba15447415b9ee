package osm2sim

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCoordinateSystemMismatch is returned when a record declares a coordinate system different
	// from the network's one and no transform has been supplied for that pair
	ErrCoordinateSystemMismatch = errors.New("coordinate system mismatch")
	// ErrRecordMatchFailure marks a single record which could not be attached within tolerance
	ErrRecordMatchFailure = errors.New("record match failure")
	// ErrNoValidDestination is returned when destination pool for a population cell is empty
	ErrNoValidDestination = errors.New("no valid destination")
	// ErrEmptyNetwork is returned when there are no network elements to work with
	ErrEmptyNetwork = errors.New("empty network")
	// ErrEmptyInputSet is returned when there are no records or population cells to work with
	ErrEmptyInputSet = errors.New("empty input set")
	// ErrSerializationFailure is returned when an artifact can't be written or read back
	ErrSerializationFailure = errors.New("serialization failure")
	// ErrCorruptRecord is returned when a record stream contains unusable data
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrInvalidTransition is returned when run state machine is asked for a forbidden move
	ErrInvalidTransition = errors.New("invalid status transition")
)

// MatchError describes a record which has not been attached to any network element
type MatchError struct {
	RecordID  RecordID
	Source    string
	Tolerance float64
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("record '%s' (source '%s'): no network element within %f", e.RecordID, e.Source, e.Tolerance)
}

func (e *MatchError) Unwrap() error { return ErrRecordMatchFailure }

// SerializationError wraps an I/O or encoding failure of a single artifact
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("artifact '%s': %s: %v", e.Path, ErrSerializationFailure, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Is reports every SerializationError as ErrSerializationFailure
func (e *SerializationError) Is(target error) bool { return target == ErrSerializationFailure }
