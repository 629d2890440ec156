package artifact

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"courseforge/internal/config"
	"courseforge/internal/models"
	"courseforge/internal/telemetry"
)

// ErrNotFound is returned when neither backend holds the course.
var ErrNotFound = errors.New("course not found")

// Backend stores course documents and their binary assets. Two
// implementations exist: S3 and local filesystem.
type Backend interface {
	PutCourse(ctx context.Context, course models.Course) error
	GetCourse(ctx context.Context, courseID string) (models.Course, error)
	PutAsset(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store is the dual-write artifact store: writes go to the primary backend,
// and on primary failure are redirected to the fallback with the artifact
// tagged degraded. Reads check primary first, then fallback. A successful put
// is immediately readable because it returns only once one backend has
// accepted the object.
type Store struct {
	primary  Backend
	fallback Backend
	log      *zap.Logger
}

// New picks backends from config: S3 primary with local fallback when a
// bucket is configured, local-only otherwise (development).
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Store, error) {
	local := NewLocal(cfg.ArtifactLocalDir)
	if cfg.ArtifactS3Bucket == "" {
		return NewStore(local, nil, log), nil
	}
	s3b, err := NewS3(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(s3b, local, log), nil
}

// NewStore wires explicit backends; fallback may be nil.
func NewStore(primary, fallback Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{primary: primary, fallback: fallback, log: log}
}

// Put writes the course document, falling back on primary failure. The
// returned course carries the degraded flag as persisted.
func (s *Store) Put(ctx context.Context, course models.Course) (models.Course, error) {
	course.Degraded = false
	err := s.primary.PutCourse(ctx, course)
	if err == nil {
		return course, nil
	}
	if s.fallback == nil {
		return models.Course{}, err
	}
	s.log.Warn("primary artifact store unavailable, writing fallback",
		zap.String("course_id", course.ID), zap.Error(err))
	telemetry.DegradedWrites.Inc()
	course.Degraded = true
	if ferr := s.fallback.PutCourse(ctx, course); ferr != nil {
		return models.Course{}, errors.Join(err, ferr)
	}
	return course, nil
}

// Get resolves a course from primary first, then fallback.
func (s *Store) Get(ctx context.Context, courseID string) (models.Course, error) {
	course, err := s.primary.GetCourse(ctx, courseID)
	if err == nil {
		return course, nil
	}
	if s.fallback == nil {
		return models.Course{}, err
	}
	return s.fallback.GetCourse(ctx, courseID)
}

// PutAsset stores a binary asset next to the course documents, following the
// same primary-then-fallback write path. Returns the backend-specific ref.
func (s *Store) PutAsset(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	ref, err := s.primary.PutAsset(ctx, key, body, contentType)
	if err == nil {
		return ref, nil
	}
	if s.fallback == nil {
		return "", err
	}
	s.log.Warn("primary artifact store unavailable for asset, writing fallback",
		zap.String("key", key), zap.Error(err))
	telemetry.DegradedWrites.Inc()
	ref, ferr := s.fallback.PutAsset(ctx, key, body, contentType)
	if ferr != nil {
		return "", errors.Join(err, ferr)
	}
	return ref, nil
}
