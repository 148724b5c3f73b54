package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/avkus/openai-cf/internal/domain"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Generator is the text-generation backend capability. Implementations
// return the generated text, or an error; backend-reported failures (as
// opposed to transport failures) must expose BackendMessage.
type Generator interface {
	Generate(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// backendMessager is satisfied by errors the backend reported in-band,
// e.g. workersai.APIError. Checked structurally so this package does not
// depend on any concrete integration.
type backendMessager interface {
	BackendMessage() string
}

// CompletionService forwards a chat message list to the generation backend.
// The model identifier is deployment configuration, resolved once from SSM
// and cached for the process lifetime; a failed load is retried on the next
// request.
type CompletionService struct {
	params      ParamGetter
	llm         Generator
	paramPrefix string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

type CompleteInput struct {
	Messages []domain.ChatMessage
}

type CompleteOutput struct {
	Text string
}

func NewCompletionService(p ParamGetter, llm Generator, paramPrefix string) (*CompletionService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &CompletionService{
		params:      p,
		llm:         llm,
		paramPrefix: paramPrefix,
	}, nil
}

// Complete validates the message list, invokes the backend once, and returns
// the generated text. No retries: every failure is terminal for the request.
// Empty generated text is passed through unchecked.
func (s *CompletionService) Complete(ctx context.Context, in CompleteInput) (CompleteOutput, error) {
	if len(in.Messages) == 0 {
		return CompleteOutput{}, newError(ErrorInvalidInput, "messages must be a non-empty array", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return CompleteOutput{}, newError(ErrorInternal, "failed to load model configuration", err)
	}

	text, err := s.llm.Generate(ctx, s.configuredModel(), in.Messages)
	if err != nil {
		if msg, ok := backendErrorMessage(err); ok {
			return CompleteOutput{}, newError(ErrorBackend, "LLM API returned an error: "+msg, err)
		}
		return CompleteOutput{}, newError(ErrorInternal, err.Error(), err)
	}

	return CompleteOutput{Text: text}, nil
}

func (s *CompletionService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/model")
	if err != nil {
		return fmt.Errorf("usecase: load model id: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: model id parameter is empty")
	}

	s.model = model
	s.cacheLoaded = true
	return nil
}

func (s *CompletionService) configuredModel() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.model
}

func backendErrorMessage(err error) (string, bool) {
	var be backendMessager
	if !errors.As(err, &be) {
		return "", false
	}
	return be.BackendMessage(), true
}
