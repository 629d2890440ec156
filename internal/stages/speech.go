package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"courseforge/internal/models"
)

// SpeechSynthesizer turns text into audio. Implementations are ordered into
// a chain; callers never select a provider directly.
type SpeechSynthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcriber turns an audio source into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, src models.Source) (string, error)
}

// SynthesizerChain tries each provider in order and moves to the next on any
// failure. The last provider's error is returned when all are exhausted.
type SynthesizerChain struct {
	providers []SpeechSynthesizer
	log       *zap.Logger
}

func NewSynthesizerChain(log *zap.Logger, providers ...SpeechSynthesizer) *SynthesizerChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &SynthesizerChain{providers: providers, log: log}
}

func (c *SynthesizerChain) Name() string { return "synthesizer-chain" }

func (c *SynthesizerChain) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if len(c.providers) == 0 {
		return nil, errors.New("no speech synthesizers configured")
	}
	var lastErr error
	for _, p := range c.providers {
		audio, err := p.Synthesize(ctx, text)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		c.log.Warn("synthesizer failed, trying next provider",
			zap.String("provider", p.Name()), zap.Error(err))
	}
	return nil, lastErr
}

// TranscriberChain mirrors SynthesizerChain for speech recognition.
type TranscriberChain struct {
	providers []Transcriber
	log       *zap.Logger
}

func NewTranscriberChain(log *zap.Logger, providers ...Transcriber) *TranscriberChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &TranscriberChain{providers: providers, log: log}
}

func (c *TranscriberChain) Name() string { return "transcriber-chain" }

func (c *TranscriberChain) Transcribe(ctx context.Context, src models.Source) (string, error) {
	if len(c.providers) == 0 {
		return "", errors.New("no transcribers configured")
	}
	var lastErr error
	for _, p := range c.providers {
		text, err := p.Transcribe(ctx, src)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.log.Warn("transcriber failed, trying next provider",
			zap.String("provider", p.Name()), zap.Error(err))
	}
	return "", lastErr
}

// httpSynthesizer calls a speech synthesis provider over HTTP.
type httpSynthesizer struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPSynthesizer(name, baseURL string, client *http.Client) SpeechSynthesizer {
	return &httpSynthesizer{name: name, baseURL: baseURL, client: client}
}

func (s *httpSynthesizer) Name() string { return s.name }

func (s *httpSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var resp struct {
		Audio []byte `json:"audio"`
	}
	if err := postJSON(ctx, s.client, s.baseURL+"/synthesize", map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Audio) == 0 {
		return nil, fmt.Errorf("provider %s returned empty audio", s.name)
	}
	return resp.Audio, nil
}

// httpTranscriber calls a speech recognition provider over HTTP.
type httpTranscriber struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPTranscriber(name, baseURL string, client *http.Client) Transcriber {
	return &httpTranscriber{name: name, baseURL: baseURL, client: client}
}

func (t *httpTranscriber) Name() string { return t.name }

func (t *httpTranscriber) Transcribe(ctx context.Context, src models.Source) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	req := map[string]string{"payload_ref": src.PayloadRef, "content_type": src.ContentType}
	if err := postJSON(ctx, t.client, t.baseURL+"/transcribe", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
