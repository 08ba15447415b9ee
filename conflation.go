package osm2sim

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Attachment links external record to the network element it has been matched to
type Attachment struct {
	RecordID  RecordID   `json:"record_id"`
	ElementID ElementID  `json:"element_id"`
	Kind      RecordKind `json:"kind"`
	Source    string     `json:"source"`
	// Signed perpendicular distance: positive when record is on the left of element direction
	Offset float64 `json:"offset"`
	// Absolute distance between representative point and element
	Distance float64 `json:"distance"`
	// Distance along the element from its first point to the projected point
	Along float64 `json:"along"`
	// 1 for exact hit, 0 for hit right on tolerance border
	Confidence float64 `json:"confidence"`
	// Projected point on the element
	Point orb.Point `json:"point"`
}

func sortAttachments(attachments []Attachment) {
	sort.Slice(attachments, func(i, j int) bool {
		if attachments[i].ElementID != attachments[j].ElementID {
			return attachments[i].ElementID < attachments[j].ElementID
		}
		return attachments[i].RecordID < attachments[j].RecordID
	})
}

// ConflationResult is the outcome of matching a single record set
type ConflationResult struct {
	// Sorted by (ElementID, RecordID)
	Attachments []Attachment
	// Sorted by RecordID
	Unmatched []RecordID
	Total     int
	// Per-record failures in the same order as Unmatched
	Failures []*MatchError
}

// MatchErrors returns per-record failures as errors. Each one satisfies errors.Is(err, ErrRecordMatchFailure)
func (result *ConflationResult) MatchErrors() []error {
	errs := make([]error, len(result.Failures))
	for i := range result.Failures {
		errs[i] = result.Failures[i]
	}
	return errs
}

// Conflator attaches external records to network elements
type Conflator struct {
	workers      int
	logger       *slog.Logger
	transforms   map[transformKey]orb.Projection
	elementKinds map[RecordKind][]ElementKind
}

// NewConflator returns conflator with default settings: GOMAXPROCS workers, no transforms, discarded logs
func NewConflator(options ...func(*Conflator)) *Conflator {
	conflator := &Conflator{
		workers:      runtime.GOMAXPROCS(0),
		logger:       slog.New(slog.DiscardHandler),
		transforms:   make(map[transformKey]orb.Projection),
		elementKinds: make(map[RecordKind][]ElementKind),
	}
	for _, option := range options {
		option(conflator)
	}
	if conflator.workers < 1 {
		conflator.workers = 1
	}
	return conflator
}

// WithConflationWorkers sets number of parallel workers
func WithConflationWorkers(workers int) func(*Conflator) {
	return func(conflator *Conflator) {
		conflator.workers = workers
	}
}

// WithConflationLogger sets logger
func WithConflationLogger(logger *slog.Logger) func(*Conflator) {
	return func(conflator *Conflator) {
		if logger != nil {
			conflator.logger = logger
		}
	}
}

// WithTransform registers coordinate transform for records declaring another coordinate system
func WithTransform(transform CoordinateTransform) func(*Conflator) {
	return func(conflator *Conflator) {
		conflator.transforms[transformKey{from: transform.From, to: transform.To}] = transform.Project
	}
}

// WithElementKinds restricts element kinds given record kind could be attached to.
// Without it every record kind may be attached to any element
func WithElementKinds(kind RecordKind, elementKinds ...ElementKind) func(*Conflator) {
	return func(conflator *Conflator) {
		conflator.elementKinds[kind] = elementKinds
	}
}

// Conflate is shorthand for NewConflator(options...).Conflate(...)
func Conflate(ctx context.Context, index *SpatialIndex, net *Network, records []ExternalRecord, tolerance float64, options ...func(*Conflator)) (*ConflationResult, error) {
	return NewConflator(options...).Conflate(ctx, index, net, records, tolerance)
}

type preparedRecord struct {
	record *ExternalRecord
	point  orb.Point
}

type matchSlot struct {
	attachment Attachment
	matched    bool
}

// Conflate matches every record to the closest network element within tolerance.
//
// Records outside tolerance are reported in Unmatched. Empty network, corrupt record or
// coordinate system without registered transform abort the whole call and no attachments are returned.
//
func (conflator *Conflator) Conflate(ctx context.Context, index *SpatialIndex, net *Network, records []ExternalRecord, tolerance float64) (*ConflationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if net == nil || len(net.Elements) == 0 || index == nil || index.Len() == 0 {
		return nil, ErrEmptyNetwork
	}
	if math.IsNaN(tolerance) || math.IsInf(tolerance, 0) || tolerance < 0 {
		return nil, errors.Errorf("Tolerance must be finite non-negative number, but got %f", tolerance)
	}
	st := time.Now()

	prepared, err := conflator.prepareRecords(net.CRS, records)
	if err != nil {
		return nil, err
	}
	elements := net.elementsByID()

	slots := make([]matchSlot, len(prepared))
	workers := conflator.workers
	if workers > len(prepared) {
		workers = len(prepared)
	}
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		chunk := (len(prepared) + workers - 1) / workers
		for from := 0; from < len(prepared); from += chunk {
			to := from + chunk
			if to > len(prepared) {
				to = len(prepared)
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for i := from; i < to; i++ {
					slot, err := conflator.match(index, elements, &prepared[i], tolerance)
					if err != nil {
						return err
					}
					slots[i] = slot
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "Can't conflate records")
	}

	result := &ConflationResult{
		Attachments: make([]Attachment, 0, len(slots)),
		Unmatched:   []RecordID{},
		Failures:    []*MatchError{},
		Total:       len(records),
	}
	for i := range slots {
		if slots[i].matched {
			result.Attachments = append(result.Attachments, slots[i].attachment)
			continue
		}
		result.Failures = append(result.Failures, &MatchError{
			RecordID:  prepared[i].record.ID,
			Source:    prepared[i].record.Source,
			Tolerance: tolerance,
		})
	}
	sortAttachments(result.Attachments)
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].RecordID < result.Failures[j].RecordID
	})
	for _, failure := range result.Failures {
		result.Unmatched = append(result.Unmatched, failure.RecordID)
	}
	conflator.logger.Info("conflation done",
		"records", result.Total,
		"matched", len(result.Attachments),
		"unmatched", len(result.Unmatched),
		"elapsed", time.Since(st),
	)
	return result, nil
}

// prepareRecords validates records and computes their representative points in network coordinate system.
// It walks records sequentially so the first bad record is always the same one.
func (conflator *Conflator) prepareRecords(crs CoordinateSystem, records []ExternalRecord) ([]preparedRecord, error) {
	prepared := make([]preparedRecord, len(records))
	seen := make(map[RecordID]struct{}, len(records))
	for i := range records {
		record := &records[i]
		if record.ID == "" {
			return nil, errors.Wrapf(ErrCorruptRecord, "Record #%d has empty ID", i)
		}
		if _, ok := seen[record.ID]; ok {
			return nil, errors.Wrapf(ErrCorruptRecord, "Duplicate record ID '%s'", record.ID)
		}
		seen[record.ID] = struct{}{}
		geom := record.Geom
		if record.CRS != CRS_UNDEFINED && record.CRS != crs {
			proj, ok := conflator.transforms[transformKey{from: record.CRS, to: crs}]
			if !ok {
				return nil, errors.Wrapf(ErrCoordinateSystemMismatch, "Record '%s' declares '%s' while network uses '%s'", record.ID, record.CRS, crs)
			}
			geom = transformGeometry(geom, proj)
		}
		pt, err := representativePoint(geom)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "Record '%s': %v", record.ID, err)
		}
		if !isFinitePoint(pt) {
			return nil, errors.Wrapf(ErrCorruptRecord, "Record '%s' has non-finite coordinates", record.ID)
		}
		prepared[i] = preparedRecord{record: record, point: pt}
	}
	return prepared, nil
}

func (conflator *Conflator) match(index *SpatialIndex, elements map[ElementID]*NetworkElement, prepared *preparedRecord, tolerance float64) (matchSlot, error) {
	kinds := conflator.elementKinds[prepared.record.Kind]
	var accept func(ElementID, ElementKind) bool
	if len(kinds) > 0 {
		accept = func(_ ElementID, kind ElementKind) bool {
			for _, allowed := range kinds {
				if kind == allowed {
					return true
				}
			}
			return false
		}
	}
	id, distance, found := index.NearestFunc(prepared.point, tolerance, accept)
	if !found {
		return matchSlot{}, nil
	}
	element, ok := elements[id]
	if !ok {
		return matchSlot{}, errors.Errorf("Element '%d' is indexed but not present in network", id)
	}
	proj := projectOntoLine(element.Geom, prepared.point)
	confidence := 1.0
	if tolerance > 0 {
		confidence = math.Max(0, math.Min(1, 1-distance/tolerance))
	}
	return matchSlot{
		matched: true,
		attachment: Attachment{
			RecordID:   prepared.record.ID,
			ElementID:  id,
			Kind:       prepared.record.Kind,
			Source:     prepared.record.Source,
			Offset:     proj.offset,
			Distance:   distance,
			Along:      proj.along,
			Confidence: confidence,
			Point:      proj.point,
		},
	}, nil
}
