package pipeline

import (
	"encoding/json"
	"fmt"

	"courseforge/internal/models"
)

// State is the durable inter-stage checkpoint. It is serialized into the job
// record after every stage success, so a redelivered job resumes from its
// last completed stage with all prior outputs intact.
type State struct {
	Done       []string       `json:"done"`
	Text       string         `json:"text,omitempty"`
	Chunks     []string       `json:"chunks,omitempty"`
	IndexRef   string         `json:"index_ref,omitempty"`
	Course     *models.Course `json:"course,omitempty"`
	PreviewRef string         `json:"preview_ref,omitempty"`
}

func (s *State) done(name string) bool {
	for _, d := range s.Done {
		if d == name {
			return true
		}
	}
	return false
}

func (s *State) markDone(name string) {
	if !s.done(name) {
		s.Done = append(s.Done, name)
	}
}

func (s *State) encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (*State, error) {
	st := &State{}
	if len(b) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return st, nil
}
