package stages

import (
	"context"
	"errors"
	"net/http"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Extractor pulls plain text out of an uploaded document via the extraction
// collaborator. Inline text sources short-circuit without a network call;
// audio sources are routed through the transcriber chain instead.
type Extractor struct {
	baseURL     string
	client      *http.Client
	transcriber Transcriber
}

func NewExtractor(baseURL string, client *http.Client, transcriber Transcriber) *Extractor {
	return &Extractor{baseURL: baseURL, client: client, transcriber: transcriber}
}

// Stage adapts the extractor to the pipeline contract, filling st.Text.
func (e *Extractor) Stage(ctx context.Context, job models.Job, st *pipeline.State) error {
	switch job.Source.Kind {
	case models.SourceText:
		if job.Source.Payload == "" {
			return pipeline.Permanent(errors.New("text source has empty payload"))
		}
		st.Text = job.Source.Payload
		return nil
	case models.SourceAudio:
		text, err := e.transcriber.Transcribe(ctx, job.Source)
		if err != nil {
			return wrapStageErr(err)
		}
		if text == "" {
			return pipeline.Permanent(errors.New("transcription produced no text"))
		}
		st.Text = text
		return nil
	default:
		var resp struct {
			Text string `json:"text"`
		}
		req := map[string]string{
			"payload_ref":  job.Source.PayloadRef,
			"content_type": job.Source.ContentType,
			"kind":         job.Source.Kind,
		}
		if err := postJSON(ctx, e.client, e.baseURL+"/extract", req, &resp); err != nil {
			return err
		}
		if resp.Text == "" {
			return pipeline.Permanent(errors.New("extraction produced no text"))
		}
		st.Text = resp.Text
		return nil
	}
}

// wrapStageErr preserves an existing stage classification and defaults
// everything else to recoverable.
func wrapStageErr(err error) error {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return err
	}
	return pipeline.Recoverable(err)
}
