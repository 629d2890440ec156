package stages

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"courseforge/internal/config"
	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Stage names, in pipeline order.
const (
	StageExtract  = "extract"
	StagePreview  = "preview"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageGenerate = "generate"
	StageNarrate  = "narrate"
)

// Build wires the default ingestion pipeline stage list from config. All
// stages share one retry policy; descriptors stay per-stage so individual
// limits can diverge later.
func Build(cfg config.Config, assets AssetStore, log *zap.Logger) []pipeline.Stage {
	client := &http.Client{Timeout: cfg.CollaboratorTimeout}

	transcribers := make([]Transcriber, 0, len(cfg.TranscribeURLs))
	for i, url := range cfg.TranscribeURLs {
		transcribers = append(transcribers, NewHTTPTranscriber(fmt.Sprintf("transcriber-%d", i), url, client))
	}
	synths := make([]SpeechSynthesizer, 0, len(cfg.SpeechURLs))
	for i, url := range cfg.SpeechURLs {
		synths = append(synths, NewHTTPSynthesizer(fmt.Sprintf("synthesizer-%d", i), url, client))
	}

	extractor := NewExtractor(cfg.ExtractorURL, client, NewTranscriberChain(log, transcribers...))
	previewer := NewPreviewer(client, assets, cfg.PreviewWidth)
	chunker := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	embedder := NewEmbedder(cfg.EmbedderURL, client)
	generator := NewGenerator(cfg.GeneratorURL, client)
	narrator := NewNarrator(NewSynthesizerChain(log, synths...), assets)

	desc := func(name string) pipeline.Descriptor {
		return pipeline.Descriptor{
			Name:              name,
			Timeout:           cfg.StageTimeout,
			MaxAttempts:       cfg.StageMaxAttempts,
			BackoffBase:       cfg.BackoffBase,
			BackoffMultiplier: cfg.BackoffMultiplier,
			BackoffMax:        cfg.BackoffMax,
		}
	}

	return []pipeline.Stage{
		{Descriptor: desc(StageExtract), Run: extractor.Stage},
		{Descriptor: desc(StagePreview), Run: previewer.Stage, Skip: func(job models.Job) bool { return !previewer.Applies(job) }},
		{Descriptor: desc(StageChunk), Run: chunker.Stage},
		{Descriptor: desc(StageEmbed), Run: embedder.Stage},
		{Descriptor: desc(StageGenerate), Run: generator.Stage},
		{Descriptor: desc(StageNarrate), Run: narrator.Stage},
	}
}
