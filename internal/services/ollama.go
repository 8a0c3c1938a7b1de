package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams tutor replies from a local Ollama server. Images are passed to vision capable models; it
// never reports citations.
type Ollama struct {
	host   string
	model  string
	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host parameter
// should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(req models.TurnRequest) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.SystemInstruction})
	}
	for _, h := range req.History {
		role := "assistant"
		if h.Role == models.RoleUser {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: h.Text})
	}

	user := api.Message{Role: "user", Content: req.Prompt}
	if req.Image != nil {
		img, err := base64.StdEncoding.DecodeString(req.Image.Base64)
		if err != nil {
			return nil, fmt.Errorf("error decoding image: %w", err)
		}
		user.Images = []api.ImageData{img}
	}
	return append(msgs, user), nil
}

// Stream implements the model client contract by streaming responses from the Ollama model.
func (o Ollama) Stream(ctx context.Context, turn models.TurnRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs, err := ollamaMessages(turn)
		if err != nil {
			yield(models.StreamEvent{}, err)
			return
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.params.ollamaOptions(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(models.StreamEvent{Text: res.Message.Content}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Debug("Ollama chat failed", slog.String(errLoggerKey, err.Error()))
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
