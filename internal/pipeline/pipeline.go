package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courseforge/internal/models"
	"courseforge/internal/telemetry"
)

// Stage pairs a retry/timeout descriptor with its executable. Skip, when set,
// excludes the stage for jobs it does not apply to (counted as completed for
// progress purposes).
type Stage struct {
	Descriptor
	Run  StageFunc
	Skip func(job models.Job) bool
}

// Store is the slice of the job store the pipeline mutates. All writes carry
// the optimistic version token; a conflict aborts this delivery and leaves
// the job to whichever worker holds the newer version.
type Store interface {
	UpdateExecution(ctx context.Context, id string, version int, stage string, progress int, attempts map[string]int, checkpoint []byte) (int, error)
	MarkSucceeded(ctx context.Context, id string, version int, resultRef string) error
	MarkFailed(ctx context.Context, id string, version int, jobErr models.JobError) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Artifacts is the slice of the artifact store the pipeline writes through.
type Artifacts interface {
	Put(ctx context.Context, course models.Course) (models.Course, error)
}

// Outcome reports where a completed run left the job.
type Outcome struct {
	Status string
	Error  *models.JobError
}

// Pipeline executes the ordered stage list against one job at a time,
// checkpointing after every stage so later deliveries never re-run completed
// stages.
type Pipeline struct {
	stages    []Stage
	store     Store
	artifacts Artifacts
	log       *zap.Logger
}

// New validates the stage list and builds a runner.
func New(store Store, artifacts Artifacts, log *zap.Logger, stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	seen := map[string]bool{}
	for _, s := range stages {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %s has no run func", s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage name %s", s.Name)
		}
		seen[s.Name] = true
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{stages: stages, store: store, artifacts: artifacts, log: log}, nil
}

// StageNames returns the ordered stage names.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the job from its checkpoint to a terminal state. A nil error
// means the job record is terminal (succeeded or failed) and the delivery can
// be acked; a non-nil error means an infrastructure problem interrupted the
// run and the lease should be left to expire for redelivery.
func (p *Pipeline) Run(ctx context.Context, job models.Job) (Outcome, error) {
	st, err := decodeState(job.Checkpoint)
	if err != nil {
		// A corrupt checkpoint cannot be resumed; fail the job rather than
		// redeliver it forever.
		return p.fail(ctx, job.ID, job.Version, models.JobError{
			Stage: job.CurrentStage, Kind: models.ErrKindPermanent, Message: err.Error(),
		})
	}
	if job.Attempts == nil {
		job.Attempts = map[string]int{}
	}

	version := job.Version
	total := len(p.stages)
	log := p.log.With(zap.String("job_id", job.ID))

	for i, stage := range p.stages {
		if st.done(stage.Name) {
			continue
		}
		if stage.Skip != nil && stage.Skip(job) {
			st.markDone(stage.Name)
			continue
		}

		version, err = p.runStage(ctx, log, &job, version, stage, st, i, total)
		if err == nil {
			continue
		}
		var se *StageError
		if errors.As(err, &se) {
			kind := models.ErrKindRecoverable
			if se.Permanent {
				kind = models.ErrKindPermanent
			}
			return p.fail(ctx, job.ID, version, models.JobError{
				Stage: stage.Name, Kind: kind, Message: se.Err.Error(),
			})
		}
		return Outcome{}, err
	}

	if st.Course == nil {
		return p.fail(ctx, job.ID, version, models.JobError{
			Stage: job.CurrentStage, Kind: models.ErrKindPermanent,
			Message: "pipeline completed without producing a course",
		})
	}

	course := *st.Course
	course.SourceIndexRef = st.IndexRef
	if st.PreviewRef != "" {
		course.Assets = append(course.Assets, models.Asset{Kind: models.AssetPreview, Ref: st.PreviewRef})
	}
	course.GeneratedAt = time.Now().UTC()

	stored, err := p.artifacts.Put(ctx, course)
	if err != nil {
		return Outcome{}, fmt.Errorf("write course artifact: %w", err)
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, version, stored.ID); err != nil {
		return Outcome{}, fmt.Errorf("mark succeeded: %w", err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("course_id=%s degraded=%t", stored.ID, stored.Degraded))
	log.Info("job succeeded", zap.String("course_id", stored.ID), zap.Bool("degraded", stored.Degraded))
	return Outcome{Status: models.StatusSucceeded}, nil
}

// runStage drives one stage to success, exhaustion, or permanent failure.
// Attempts count every try: two failures followed by a success leaves the
// stage's attempt count at three.
func (p *Pipeline) runStage(ctx context.Context, log *zap.Logger, job *models.Job, version int, stage Stage, st *State, index, total int) (int, error) {
	progressBefore := 100 * index / total

	for {
		// Exhaustion is checked before executing, not just after a failure: a
		// redelivered job whose previous worker crashed mid-final-attempt
		// already carries attempts at the limit, and running the stage again
		// would push the persisted count past it.
		if job.Attempts[stage.Name] >= stage.MaxAttempts {
			log.Warn("stage already exhausted on redelivery",
				zap.String("stage", stage.Name), zap.Int("attempts", job.Attempts[stage.Name]))
			return version, Recoverable(fmt.Errorf("stage %s exhausted %d attempts", stage.Name, stage.MaxAttempts))
		}
		job.Attempts[stage.Name]++
		checkpoint, err := st.encode()
		if err != nil {
			return version, Permanent(err)
		}
		version, err = p.store.UpdateExecution(ctx, job.ID, version, stage.Name, progressBefore, job.Attempts, checkpoint)
		if err != nil {
			return version, fmt.Errorf("record stage start: %w", err)
		}

		timeout := stage.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		serr := stage.Run(stageCtx, *job, st)
		cancel()

		if serr == nil {
			st.markDone(stage.Name)
			checkpoint, err := st.encode()
			if err != nil {
				return version, Permanent(err)
			}
			progress := 100 * (index + 1) / total
			version, err = p.store.UpdateExecution(ctx, job.ID, version, stage.Name, progress, job.Attempts, checkpoint)
			if err != nil {
				return version, fmt.Errorf("record stage success: %w", err)
			}
			_ = p.store.AppendAudit(ctx, job.ID, "stage_completed", fmt.Sprintf("stage=%s attempts=%d", stage.Name, job.Attempts[stage.Name]))
			return version, nil
		}

		if IsPermanent(serr) {
			log.Warn("stage failed permanently", zap.String("stage", stage.Name), zap.Error(serr))
			return version, serr
		}
		if job.Attempts[stage.Name] >= stage.MaxAttempts {
			log.Warn("stage exhausted retries",
				zap.String("stage", stage.Name), zap.Int("attempts", job.Attempts[stage.Name]), zap.Error(serr))
			return version, Recoverable(fmt.Errorf("stage %s exhausted %d attempts: %w", stage.Name, stage.MaxAttempts, serr))
		}

		wait := stage.Backoff(job.Attempts[stage.Name])
		telemetry.StageRetries.Inc()
		_ = p.store.AppendAudit(ctx, job.ID, "stage_retry", fmt.Sprintf("stage=%s attempt=%d backoff=%s", stage.Name, job.Attempts[stage.Name], wait))
		log.Info("stage retry scheduled",
			zap.String("stage", stage.Name), zap.Int("attempt", job.Attempts[stage.Name]), zap.Duration("backoff", wait), zap.Error(serr))

		select {
		case <-ctx.Done():
			return version, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, jobID string, version int, jobErr models.JobError) (Outcome, error) {
	if err := p.store.MarkFailed(ctx, jobID, version, jobErr); err != nil {
		return Outcome{}, fmt.Errorf("mark failed: %w", err)
	}
	_ = p.store.AppendAudit(ctx, jobID, "failed", fmt.Sprintf("stage=%s kind=%s: %s", jobErr.Stage, jobErr.Kind, jobErr.Message))
	p.log.Warn("job failed",
		zap.String("job_id", jobID), zap.String("stage", jobErr.Stage), zap.String("kind", jobErr.Kind))
	return Outcome{Status: models.StatusFailed, Error: &jobErr}, nil
}
