package stages

import (
	"context"
	"errors"
	"net/http"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Embedder sends chunks to the embedding/vector-index collaborator and keeps
// the opaque index handle it returns.
type Embedder struct {
	baseURL string
	client  *http.Client
}

func NewEmbedder(baseURL string, client *http.Client) *Embedder {
	return &Embedder{baseURL: baseURL, client: client}
}

// Stage adapts the embedder to the pipeline contract, filling st.IndexRef.
func (e *Embedder) Stage(ctx context.Context, job models.Job, st *pipeline.State) error {
	if len(st.Chunks) == 0 {
		return pipeline.Permanent(errors.New("no chunks to embed"))
	}
	var resp struct {
		IndexRef string `json:"index_ref"`
	}
	req := map[string]any{
		"job_id": job.ID,
		"chunks": st.Chunks,
	}
	if err := postJSON(ctx, e.client, e.baseURL+"/index", req, &resp); err != nil {
		return err
	}
	if resp.IndexRef == "" {
		return pipeline.Recoverable(errors.New("indexer returned empty index ref"))
	}
	st.IndexRef = resp.IndexRef
	return nil
}
