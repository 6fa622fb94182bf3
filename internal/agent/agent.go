// Package agent wraps the language model used to classify inbound mail and
// extract shipment fields. Failures never surface as errors: each call returns
// a result value whose OK flag tells the caller whether to trust it.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/freightdesk/intake/internal/config"
	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
)

// Request is what the model sees of one message.
type Request struct {
	Subject  string
	From     string
	FromName string
	Body     string
	Context  []string // earlier messages of the conversation, oldest first
}

// Classification is the verdict for a new inquiry. When OK is false the
// category is CategoryOther and Err says why.
type Classification struct {
	Category   models.Category
	Confidence float64
	Rationale  string
	OK         bool
	Err        error
}

// Extraction is a sparse field mapping. When OK is false Fields is empty.
type Extraction struct {
	Fields models.Fields
	OK     bool
	Err    error
}

type Classifier interface {
	Classify(ctx context.Context, req Request) Classification
}

type Extractor interface {
	Extract(ctx context.Context, req Request) Extraction
}

// Backend is a model provider able to do both jobs.
type Backend interface {
	Classifier
	Extractor
	Name() string
}

// completer sends one system+user prompt pair and returns the raw reply text.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Backend, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Noop{}, nil
	case "openai":
		return &llmBackend{name: "openai", model: NewOpenAI(cfg), timeout: timeout}, nil
	case "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &llmBackend{name: "gemini", model: g, timeout: timeout}, nil
	}
	return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
}

// llmBackend turns a completer into a Classifier and Extractor.
type llmBackend struct {
	name    string
	model   completer
	timeout time.Duration
}

func (b *llmBackend) Name() string { return b.name }

func (b *llmBackend) Classify(ctx context.Context, req Request) Classification {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.model.complete(ctx, classifySystemPrompt, userPrompt(req, "Classify this email."))
	if err != nil {
		logging.Log.WithField("backend", b.name).Warnf("classification failed: %v", err)
		return failedClassification(err)
	}
	c, err := parseClassification(raw)
	if err != nil {
		logging.Log.WithField("backend", b.name).Warnf("unusable classification: %v", err)
		return failedClassification(err)
	}
	return c
}

func (b *llmBackend) Extract(ctx context.Context, req Request) Extraction {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.model.complete(ctx, extractSystemPrompt, userPrompt(req, "Extract all shipping information from this email."))
	if err != nil {
		logging.Log.WithField("backend", b.name).Warnf("extraction failed: %v", err)
		return Extraction{Fields: models.Fields{}, Err: err}
	}
	fields, err := parseExtraction(raw)
	if err != nil {
		logging.Log.WithField("backend", b.name).Warnf("unusable extraction: %v", err)
		return Extraction{Fields: models.Fields{}, Err: err}
	}
	return Extraction{Fields: fields, OK: true}
}

func failedClassification(err error) Classification {
	return Classification{
		Category:  models.CategoryOther,
		Rationale: "classification unavailable",
		Err:       err,
	}
}

// Noop is used when no provider is configured. Every message classifies as
// other and extracts nothing, leaving the deterministic rules in charge.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Classify(ctx context.Context, req Request) Classification {
	return Classification{Category: models.CategoryOther, Rationale: "no classifier configured", OK: true}
}

func (Noop) Extract(ctx context.Context, req Request) Extraction {
	return Extraction{Fields: models.Fields{}, OK: true}
}
