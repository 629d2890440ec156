package models

import (
	"time"
)

// Course is the pipeline's produced artifact: an ordered curriculum derived
// from one ingested source. Module and topic order is semantically meaningful
// and preserved exactly as generated. A course is written once and never
// mutated; re-generation mints a new ID.
type Course struct {
	ID             string    `json:"course_id"`
	Title          string    `json:"title"`
	Modules        []Module  `json:"modules"`
	Assets         []Asset   `json:"assets,omitempty"`
	SourceIndexRef string    `json:"source_index_ref,omitempty"`
	Degraded       bool      `json:"degraded"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Module is one ordered curriculum unit.
type Module struct {
	Title   string  `json:"title"`
	Summary string  `json:"summary,omitempty"`
	Topics  []Topic `json:"topics"`
}

// Topic is one ordered lesson within a module.
type Topic struct {
	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// Asset kinds produced alongside a course.
const (
	AssetPreview   = "preview"
	AssetNarration = "narration"
)

// Asset points at a generated binary stored next to the course document.
type Asset struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}
