package osm2sim

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRunFinish(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		total, unmatched int
		threshold        float64
		expected         RunStatus
	}{
		{10, 0, 0, STATUS_SUCCEEDED},
		{0, 0, 0, STATUS_SUCCEEDED},
		{10, 3, 0.3, STATUS_PARTIALLY_MATCHED},
		{10, 4, 0.3, STATUS_FAILED},
		{10, 10, 1, STATUS_FAILED},
		{1, 1, 1, STATUS_FAILED},
		{10, 9, 1, STATUS_PARTIALLY_MATCHED},
		{10, 1, 0, STATUS_FAILED},
	}
	for i, tc := range cases {
		source := SourceRun{Name: "src", Status: STATUS_PENDING}
		require.NoError(t, source.transition(STATUS_RUNNING, at))
		source.Total = tc.total
		source.Unmatched = tc.unmatched
		require.NoError(t, source.finish(tc.threshold, at.Add(time.Second)))
		assert.Equal(t, tc.expected, source.Status, "case %d", i)
		assert.Equal(t, at, source.StartedAt)
		assert.Equal(t, at.Add(time.Second), source.FinishedAt)
		if tc.expected == STATUS_FAILED {
			assert.NotEmpty(t, source.Error, "case %d", i)
		}
	}
}

func TestSourceRunTransitions(t *testing.T) {
	source := SourceRun{Name: "src", Status: STATUS_PENDING}
	assert.ErrorIs(t, source.transition(STATUS_SUCCEEDED, time.Time{}), ErrInvalidTransition)
	require.NoError(t, source.transition(STATUS_RUNNING, time.Time{}))
	assert.ErrorIs(t, source.transition(STATUS_PENDING, time.Time{}), ErrInvalidTransition)
	require.NoError(t, source.fail(errors.New("boom"), time.Time{}))
	assert.Equal(t, "boom", source.Error)
	assert.True(t, source.Status.Terminal())
	assert.ErrorIs(t, source.transition(STATUS_RUNNING, time.Time{}), ErrInvalidTransition)
}

func TestPipelineRunFinalize(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newRun := func(statuses ...RunStatus) *PipelineRun {
		sources := make([]SourceRun, len(statuses))
		for i := range sources {
			sources[i].Name = string(rune('a' + i))
		}
		run := NewPipelineRun("id", sources)
		require.NoError(t, run.Start(at))
		for i, status := range statuses {
			run.Sources[i].Status = status
		}
		return run
	}

	run := newRun(STATUS_SUCCEEDED, STATUS_SUCCEEDED)
	require.NoError(t, run.Finalize(at.Add(time.Minute), nil))
	assert.Equal(t, STATUS_SUCCEEDED, run.Status)
	assert.Equal(t, at.Add(time.Minute), run.FinishedAt)
	assert.True(t, run.Finalized())

	run = newRun(STATUS_SUCCEEDED, STATUS_PARTIALLY_MATCHED)
	require.NoError(t, run.Finalize(at, nil))
	assert.Equal(t, STATUS_PARTIALLY_MATCHED, run.Status)

	run = newRun(STATUS_PARTIALLY_MATCHED, STATUS_FAILED)
	require.NoError(t, run.Finalize(at, nil))
	assert.Equal(t, STATUS_FAILED, run.Status)

	// Halted run
	run = newRun(STATUS_SUCCEEDED, STATUS_PENDING)
	require.NoError(t, run.Finalize(at, nil))
	assert.Equal(t, STATUS_FAILED, run.Status)

	run = newRun(STATUS_SUCCEEDED)
	require.NoError(t, run.Finalize(at, errors.New("disk is full")))
	assert.Equal(t, STATUS_FAILED, run.Status)
	assert.Equal(t, "disk is full", run.Error)

	// Finalized run can't be changed
	assert.ErrorIs(t, run.Finalize(at, nil), ErrInvalidTransition)
	assert.ErrorIs(t, run.Start(at), ErrInvalidTransition)

	// Not started
	run = NewPipelineRun("id", nil)
	assert.ErrorIs(t, run.Finalize(at, nil), ErrInvalidTransition)
}

func TestNewPipelineRunCopiesSources(t *testing.T) {
	sources := []SourceRun{{Name: "a", Status: STATUS_FAILED}}
	run := NewPipelineRun("id", sources)
	assert.Equal(t, STATUS_PENDING, run.Sources[0].Status)
	assert.Equal(t, STATUS_FAILED, sources[0].Status)
	assert.Nil(t, run.Source("b"))
}

func TestRunStatusJSON(t *testing.T) {
	data, err := json.Marshal(SourceRun{Name: "a", Status: STATUS_PARTIALLY_MATCHED})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"partially_matched"`)

	var source SourceRun
	require.NoError(t, json.Unmarshal(data, &source))
	assert.Equal(t, STATUS_PARTIALLY_MATCHED, source.Status)
	assert.Error(t, json.Unmarshal([]byte(`{"status":"exploded"}`), &source))
}

func TestFirstExamples(t *testing.T) {
	ids := make([]string, 15)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	examples := firstExamples(ids)
	assert.Len(t, examples, MAX_UNMATCHED_EXAMPLES)
	examples[0] = "changed"
	assert.Equal(t, "a", ids[0])
}
