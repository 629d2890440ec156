package stages

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Generator calls the language-model collaborator to turn indexed material
// into an ordered course structure. Every successful generation mints a fresh
// course id; a re-generated course never reuses one.
type Generator struct {
	baseURL string
	client  *http.Client
}

func NewGenerator(baseURL string, client *http.Client) *Generator {
	return &Generator{baseURL: baseURL, client: client}
}

type generatedModule struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Topics  []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"topics"`
}

// Stage adapts the generator to the pipeline contract, filling st.Course.
func (g *Generator) Stage(ctx context.Context, job models.Job, st *pipeline.State) error {
	if st.IndexRef == "" {
		return pipeline.Permanent(errors.New("no index ref for generation"))
	}
	var resp struct {
		Title   string            `json:"title"`
		Modules []generatedModule `json:"modules"`
	}
	req := map[string]any{
		"title":     job.Title,
		"index_ref": st.IndexRef,
	}
	if err := postJSON(ctx, g.client, g.baseURL+"/generate", req, &resp); err != nil {
		return err
	}
	if len(resp.Modules) == 0 {
		return pipeline.Recoverable(errors.New("generator returned no modules"))
	}

	title := resp.Title
	if title == "" {
		title = job.Title
	}
	course := &models.Course{
		ID:    uuid.New().String(),
		Title: title,
	}
	// Module and topic order is the curriculum sequence; keep it exactly as
	// generated.
	for _, m := range resp.Modules {
		mod := models.Module{Title: m.Title, Summary: m.Summary}
		for _, t := range m.Topics {
			mod.Topics = append(mod.Topics, models.Topic{Title: t.Title, Content: t.Content})
		}
		course.Modules = append(course.Modules, mod)
	}
	st.Course = course
	return nil
}
