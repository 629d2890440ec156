package stages

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/disintegration/imaging"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Previewer renders a thumbnail for image sources (slide scans) so the
// finished course carries a cover preview. It is the only stage that runs
// in-process on binary data; all other heavy lifting is delegated to
// collaborators.
type Previewer struct {
	client   *http.Client
	assets   AssetStore
	width    int
	maxBytes int64
}

func NewPreviewer(client *http.Client, assets AssetStore, width int) *Previewer {
	if width <= 0 {
		width = 320
	}
	return &Previewer{client: client, assets: assets, width: width, maxBytes: 25 * 1024 * 1024}
}

// Applies reports whether the stage has work for this job.
func (p *Previewer) Applies(job models.Job) bool {
	return job.Source.Kind == models.SourceImage && job.Source.PayloadRef != ""
}

// Stage downloads the source image, scales it to the preview width, and
// stores the JPEG thumbnail as a course asset.
func (p *Previewer) Stage(ctx context.Context, job models.Job, st *pipeline.State) error {
	data, _, err := fetch(ctx, p.client, job.Source.PayloadRef, p.maxBytes)
	if err != nil {
		return err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("decode source image: %w", err))
	}

	thumb := imaging.Resize(src, p.width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return pipeline.Permanent(fmt.Errorf("encode preview: %w", err))
	}

	ref, err := p.assets.PutAsset(ctx, fmt.Sprintf("previews/%s.jpg", job.ID), buf.Bytes(), "image/jpeg")
	if err != nil {
		return pipeline.Recoverable(fmt.Errorf("store preview: %w", err))
	}
	st.PreviewRef = ref
	return nil
}
