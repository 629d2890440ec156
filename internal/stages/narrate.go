package stages

import (
	"context"
	"errors"
	"fmt"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// AssetStore is the slice of the artifact store stages write binary output
// through.
type AssetStore interface {
	PutAsset(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Narrator synthesizes per-topic audio through the speech provider chain and
// attaches the stored refs to the generated course.
type Narrator struct {
	synth  SpeechSynthesizer
	assets AssetStore
}

func NewNarrator(synth SpeechSynthesizer, assets AssetStore) *Narrator {
	return &Narrator{synth: synth, assets: assets}
}

// Stage adapts the narrator to the pipeline contract. Topics that were
// narrated by an earlier delivery keep their refs; only unnarrated topics are
// synthesized, so redelivery does not duplicate provider calls.
func (n *Narrator) Stage(ctx context.Context, job models.Job, st *pipeline.State) error {
	if st.Course == nil {
		return pipeline.Permanent(errors.New("no generated course to narrate"))
	}
	for mi := range st.Course.Modules {
		for ti := range st.Course.Modules[mi].Topics {
			topic := &st.Course.Modules[mi].Topics[ti]
			if topic.AudioRef != "" || topic.Content == "" {
				continue
			}
			audio, err := n.synth.Synthesize(ctx, topic.Content)
			if err != nil {
				return wrapStageErr(err)
			}
			key := fmt.Sprintf("narration/%s/%d-%d.mp3", st.Course.ID, mi, ti)
			ref, err := n.assets.PutAsset(ctx, key, audio, "audio/mpeg")
			if err != nil {
				return pipeline.Recoverable(fmt.Errorf("store narration: %w", err))
			}
			topic.AudioRef = ref
			st.Course.Assets = append(st.Course.Assets, models.Asset{Kind: models.AssetNarration, Ref: ref})
		}
	}
	return nil
}
