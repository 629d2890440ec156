package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"courseforge/internal/models"
)

// LocalBackend mirrors the S3 layout under a base directory: course JSON
// documents under courses/, binary assets under assets/. It serves as the
// fallback store and as the only store in development.
type LocalBackend struct {
	baseDir string
}

func NewLocal(baseDir string) *LocalBackend {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &LocalBackend{baseDir: baseDir}
}

func (b *LocalBackend) coursePath(courseID string) string {
	return filepath.Join(b.baseDir, "courses", sanitizeKey(courseID)+".json")
}

func (b *LocalBackend) PutCourse(_ context.Context, course models.Course) error {
	body, err := json.Marshal(course)
	if err != nil {
		return fmt.Errorf("marshal course: %w", err)
	}
	return writeFile(b.coursePath(course.ID), body)
}

func (b *LocalBackend) GetCourse(_ context.Context, courseID string) (models.Course, error) {
	body, err := os.ReadFile(b.coursePath(courseID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Course{}, ErrNotFound
		}
		return models.Course{}, fmt.Errorf("read course file: %w", err)
	}
	var course models.Course
	if err := json.Unmarshal(body, &course); err != nil {
		return models.Course{}, fmt.Errorf("unmarshal course: %w", err)
	}
	return course, nil
}

func (b *LocalBackend) PutAsset(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(b.baseDir, "assets", sanitizeKey(key))
	if err := writeFile(path, body); err != nil {
		return "", err
	}
	return path, nil
}

func writeFile(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
