package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courseforge/internal/models"
)

type fakeStore struct {
	mu           sync.Mutex
	version      int
	progress     int
	progressLog  []int
	currentStage string
	attempts     map[string]int
	checkpoint   []byte
	succeededRef string
	failed       *models.JobError
}

func newFakeStore() *fakeStore {
	return &fakeStore{version: 1}
}

func (f *fakeStore) UpdateExecution(_ context.Context, _ string, version int, stage string, progress int, attempts map[string]int, checkpoint []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version != f.version {
		return 0, errors.New("version conflict")
	}
	f.version++
	f.currentStage = stage
	if progress > f.progress {
		f.progress = progress
	}
	f.progressLog = append(f.progressLog, f.progress)
	f.attempts = map[string]int{}
	for k, v := range attempts {
		f.attempts[k] = v
	}
	f.checkpoint = append([]byte(nil), checkpoint...)
	return f.version, nil
}

func (f *fakeStore) MarkSucceeded(_ context.Context, _ string, version int, resultRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version != f.version {
		return errors.New("version conflict")
	}
	f.version++
	f.succeededRef = resultRef
	f.progress = 100
	f.progressLog = append(f.progressLog, 100)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ string, version int, jobErr models.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version != f.version {
		return errors.New("version conflict")
	}
	f.version++
	f.failed = &jobErr
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, _, _, _ string) error { return nil }

type fakeArtifacts struct {
	puts    int
	lastPut models.Course
}

func (f *fakeArtifacts) Put(_ context.Context, course models.Course) (models.Course, error) {
	f.puts++
	f.lastPut = course
	return course, nil
}

func testDescriptor(name string, maxAttempts int) Descriptor {
	return Descriptor{
		Name:              name,
		Timeout:           time.Second,
		MaxAttempts:       maxAttempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        4 * time.Millisecond,
	}
}

func testJob() models.Job {
	return models.Job{
		ID:       "job-1",
		Title:    "Intro to Signals",
		Source:   models.Source{Kind: models.SourceText, Payload: "lecture text"},
		Status:   models.StatusRunning,
		Attempts: map[string]int{},
		Version:  1,
	}
}

func finalStage(name string) Stage {
	return Stage{Descriptor: testDescriptor(name, 3), Run: func(_ context.Context, _ models.Job, st *State) error {
		st.Course = &models.Course{ID: "course-xyz", Title: "Intro to Signals"}
		return nil
	}}
}

func TestRunAllStagesSucceed(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var ranFirst, ranSecond int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, s *State) error {
			ranFirst++
			s.Text = "extracted"
			return nil
		}},
		Stage{Descriptor: testDescriptor("s2", 3), Run: func(_ context.Context, _ models.Job, s *State) error {
			ranSecond++
			return nil
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, out.Status)
	require.Nil(t, out.Error)
	require.Equal(t, 1, ranFirst)
	require.Equal(t, 1, ranSecond)
	require.Equal(t, "course-xyz", st.succeededRef)
	require.Equal(t, 1, arts.puts)
	require.Equal(t, 100, st.progress)
}

func TestRunRetriesRecoverableThenSucceeds(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var tries int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error { return nil }},
		Stage{Descriptor: testDescriptor("s2", 3), Run: func(_ context.Context, _ models.Job, _ *State) error {
			tries++
			if tries < 3 {
				return Recoverable(errors.New("transient provider error"))
			}
			return nil
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, out.Status)
	require.Equal(t, 3, st.attempts["s2"])
	require.Equal(t, 1, st.attempts["s1"])
}

func TestRunPermanentFailureHaltsPipeline(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var laterRan int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error {
			return Permanent(errors.New("malformed input"))
		}},
		Stage{Descriptor: testDescriptor("s2", 3), Run: func(_ context.Context, _ models.Job, _ *State) error {
			laterRan++
			return nil
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, out.Status)
	require.NotNil(t, st.failed)
	require.Equal(t, "s1", st.failed.Stage)
	require.Equal(t, models.ErrKindPermanent, st.failed.Kind)
	require.Equal(t, "s1", st.currentStage)
	require.Zero(t, laterRan)
	require.Zero(t, arts.puts)
	require.Equal(t, 1, st.attempts["s1"])
}

func TestRunRetryExhaustionFailsJob(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error { return nil }},
		Stage{Descriptor: testDescriptor("s2", 2), Run: func(_ context.Context, _ models.Job, _ *State) error {
			return Recoverable(errors.New("provider down"))
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, "s2", st.failed.Stage)
	require.Equal(t, models.ErrKindRecoverable, st.failed.Kind)
	require.Equal(t, 2, st.attempts["s2"])
	require.Zero(t, arts.puts)
}

func TestRunExhaustedStageNotRerunOnRedelivery(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var ran int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 2), Run: func(_ context.Context, _ models.Job, _ *State) error {
			ran++
			return Recoverable(errors.New("provider down"))
		}},
		finalStage("s2"),
	)
	require.NoError(t, err)

	// A prior delivery crashed mid-final-attempt: attempts already persisted
	// at the limit.
	job := testJob()
	job.CurrentStage = "s1"
	job.Attempts = map[string]int{"s1": 2}

	out, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, "s1", st.failed.Stage)
	require.Equal(t, models.ErrKindRecoverable, st.failed.Kind)
	// The stage is never executed again, so the count stays at the limit.
	require.Zero(t, ran)
	require.Equal(t, 2, job.Attempts["s1"])
	require.Zero(t, arts.puts)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var ranFirst, ranSecond int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error {
			ranFirst++
			return nil
		}},
		Stage{Descriptor: testDescriptor("s2", 3), Run: func(_ context.Context, _ models.Job, s *State) error {
			ranSecond++
			require.Equal(t, "already extracted", s.Text)
			return nil
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	checkpoint, err := json.Marshal(State{Done: []string{"s1"}, Text: "already extracted"})
	require.NoError(t, err)
	job := testJob()
	job.CurrentStage = "s1"
	job.Attempts = map[string]int{"s1": 1}
	job.Checkpoint = checkpoint

	out, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, out.Status)
	// The completed stage is never re-executed on redelivery.
	require.Zero(t, ranFirst)
	require.Equal(t, 1, ranSecond)
	require.Equal(t, 1, st.attempts["s1"])
}

func TestRunSkipsInapplicableStages(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var ranSkippable int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error { return nil }},
		Stage{
			Descriptor: testDescriptor("preview", 3),
			Run: func(_ context.Context, _ models.Job, _ *State) error {
				ranSkippable++
				return nil
			},
			Skip: func(job models.Job) bool { return job.Source.Kind != models.SourceImage },
		},
		finalStage("s3"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, out.Status)
	require.Zero(t, ranSkippable)
}

func TestRunProgressMonotonic(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}
	var tries int

	p, err := New(st, arts, nil,
		Stage{Descriptor: testDescriptor("s1", 3), Run: func(_ context.Context, _ models.Job, _ *State) error { return nil }},
		Stage{Descriptor: testDescriptor("s2", 5), Run: func(_ context.Context, _ models.Job, _ *State) error {
			tries++
			if tries < 3 {
				return Recoverable(errors.New("flaky"))
			}
			return nil
		}},
		finalStage("s3"),
	)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), testJob())
	require.NoError(t, err)

	last := -1
	for _, pr := range st.progressLog {
		require.GreaterOrEqual(t, pr, last)
		last = pr
	}
	require.Equal(t, 100, last)
}

func TestRunTimeoutIsRecoverable(t *testing.T) {
	st := newFakeStore()
	arts := &fakeArtifacts{}

	slow := testDescriptor("s1", 2)
	slow.Timeout = 10 * time.Millisecond

	p, err := New(st, arts, nil,
		Stage{Descriptor: slow, Run: func(ctx context.Context, _ models.Job, _ *State) error {
			<-ctx.Done()
			return Recoverable(ctx.Err())
		}},
		finalStage("s2"),
	)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.ErrKindRecoverable, st.failed.Kind)
	require.Equal(t, 2, st.attempts["s1"])
}
