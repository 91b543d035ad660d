package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAddResultKeepsCountersInStep(t *testing.T) {
	job := &DockingJob{TotalLigands: 3}
	affinity := -7.1

	job.AddResult(LigandResult{LigandName: "a", BindingAffinity: &affinity})
	job.AddResult(FailedLigand("b", "no poses found"))
	job.AddResult(LigandResult{LigandName: "c"})

	assert.Equal(t, 1, job.SuccessfulDocks)
	assert.Equal(t, 2, job.FailedDocks)
	assert.Len(t, job.LigandResults, job.SuccessfulDocks+job.FailedDocks)
}

func TestFinishSetsTimingOnce(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &DockingJob{CreatedAt: start.Add(-time.Minute), StartedAt: &start}

	job.Finish(StatusCompleted, start.Add(90*time.Second))
	require.NotNil(t, job.ProcessingTime)
	require.NotNil(t, job.CompletedAt)
	assert.InDelta(t, 90.0, *job.ProcessingTime, 1e-9)

	job.Finish(StatusCompleted, start.Add(time.Hour))
	assert.InDelta(t, 90.0, *job.ProcessingTime, 1e-9)
	assert.Equal(t, start.Add(90*time.Second), *job.CompletedAt)
}

func TestCloneIsDeep(t *testing.T) {
	affinity := -6.5
	started := time.Now()
	job := &DockingJob{
		ID:            "job-1",
		Inputs:        JobInputs{LigandFiles: []string{"a.sdf"}},
		LigandResults: []LigandResult{{LigandName: "a", BindingAffinity: &affinity}},
		StartedAt:     &started,
	}

	c := job.Clone()
	*c.LigandResults[0].BindingAffinity = 0
	c.Inputs.LigandFiles[0] = "changed"
	c.LigandResults = append(c.LigandResults, FailedLigand("b", "x"))

	assert.Equal(t, -6.5, *job.LigandResults[0].BindingAffinity)
	assert.Equal(t, "a.sdf", job.Inputs.LigandFiles[0])
	assert.Len(t, job.LigandResults, 1)
	assert.NotSame(t, job.StartedAt, c.StartedAt)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
