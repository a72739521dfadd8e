package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Prompt is everything a model backend needs for one completion.
type Prompt struct {
	System   string
	Messages []Message
}

// TokenStream yields text chunks in order. Next returns io.EOF once the model is done.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

type Model interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// StreamingModel is a Model that can also produce incremental output. GenerateStream
// must only return a nil error once the stream has actually started.
type StreamingModel interface {
	Model
	GenerateStream(ctx context.Context, prompt Prompt) (TokenStream, error)
}

type GenerationKind int

const (
	KindStreaming GenerationKind = iota
	KindCompleteText
)

func (k GenerationKind) String() string {
	if k == KindStreaming {
		return "streaming"
	}
	return "complete_text"
}

// Generation is the started result of a completion. Exactly one of Stream or Text is
// meaningful, depending on Kind.
type Generation struct {
	Kind  GenerationKind
	Model string

	stream  *finishingStream
	text    string
	release func()
}

func (g *Generation) Stream() TokenStream {
	if g.stream == nil {
		return nil
	}
	return g.stream
}

func (g *Generation) Text() string {
	return g.text
}

// Close releases the underlying stream and the generation's context.
func (g *Generation) Close() error {
	var err error
	if g.stream != nil {
		err = g.stream.Close()
	}
	if g.release != nil {
		g.release()
		g.release = nil
	}
	return err
}

// finishingStream accumulates chunks and hands the full text to onFinish exactly once,
// when the inner stream ends cleanly.
type finishingStream struct {
	inner    TokenStream
	onFinish func(string)

	text strings.Builder
	once sync.Once
	err  error
}

func (s *finishingStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	chunk, err := s.inner.Next()
	if errors.Is(err, io.EOF) {
		s.once.Do(func() {
			if s.onFinish != nil {
				s.onFinish(s.text.String())
			}
		})
		return "", io.EOF
	}
	if err != nil {
		s.err = err
		return "", err
	}

	s.text.WriteString(chunk)
	return chunk, nil
}

func (s *finishingStream) Close() error {
	return s.inner.Close()
}

// CompletionProvider runs a completion against the primary model and falls back to the
// secondary one when the primary cannot start.
type CompletionProvider struct {
	primary   Model
	fallback  Model
	streaming bool
	logger    *zap.Logger
}

func NewCompletionProvider(primary, fallback Model, streaming bool, logger *zap.Logger) *CompletionProvider {
	return &CompletionProvider{
		primary:   primary,
		fallback:  fallback,
		streaming: streaming,
		logger:    logger,
	}
}

// Generate starts a completion. onFinish receives the full assistant text after the
// stream ends, or before Generate returns when the result is complete text. It is
// never called if generation fails.
func (p *CompletionProvider) Generate(ctx context.Context, prompt Prompt, onFinish func(string)) (*Generation, error) {
	var errs *multierror.Error

	for _, model := range []Model{p.primary, p.fallback} {
		if model == nil {
			continue
		}

		gen, err := p.start(ctx, model, prompt, onFinish)
		if err == nil {
			p.logger.Debug("generation started",
				zap.String("model", model.Name()),
				zap.Stringer("kind", gen.Kind))
			return gen, nil
		}

		p.logger.Warn("model failed to start generation", zap.String("model", model.Name()), zap.Error(err))
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", model.Name(), err))
	}

	return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, errs.ErrorOrNil())
}

func (p *CompletionProvider) start(ctx context.Context, model Model, prompt Prompt, onFinish func(string)) (*Generation, error) {
	if streamer, ok := model.(StreamingModel); ok && p.streaming {
		stream, err := streamer.GenerateStream(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return &Generation{
			Kind:   KindStreaming,
			Model:  model.Name(),
			stream: &finishingStream{inner: stream, onFinish: onFinish},
		}, nil
	}

	text, err := model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if onFinish != nil {
		onFinish(text)
	}
	return &Generation{Kind: KindCompleteText, Model: model.Name(), text: text}, nil
}
