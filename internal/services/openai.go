package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams tutor replies from an OpenAI compatible chat completion API. It never reports citations.
type OpenAI struct {
	model string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses the public endpoint.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	return OpenAI{
		model:  model,
		params: params,
		client: newOpenAIClient(apiKey, baseURL),
		logger: logger.With(slog.String("module", "openai")),
	}
}

func newOpenAIClient(apiKey, baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

func openAIMessages(req models.TurnRequest) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, h := range req.History {
		if h.Text == "" {
			continue
		}
		role := goopenai.ChatMessageRoleAssistant
		if h.Role == models.RoleUser {
			role = goopenai.ChatMessageRoleUser
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: h.Text})
	}

	if req.Image == nil {
		return append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}
	parts := []goopenai.ChatMessagePart{
		{
			Type:     goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{URL: req.Image.DataURL()},
		},
	}
	if req.Prompt != "" {
		parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: req.Prompt})
	}
	return append(msgs, goopenai.ChatCompletionMessage{
		Role:         goopenai.ChatMessageRoleUser,
		MultiContent: parts,
	})
}

// Stream is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Stream(ctx context.Context, turn models.TurnRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		req := o.chatRequest(openAIMessages(turn))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			res := response.Choices[0].Delta
			if res.Content == "" {
				continue
			}
			if !yield(models.StreamEvent{Text: res.Content}, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}

// OpenAISpeech synthesizes speech with the OpenAI audio API. The pcm response format is 24 kHz 16-bit
// mono little-endian, which is re-encoded as base64 to match the other synthesizers.
type OpenAISpeech struct {
	model string
	voice string

	client *goopenai.Client
}

const (
	// DefaultOpenAISpeechModel is the speech model used when none is configured.
	DefaultOpenAISpeechModel = "tts-1"
	// DefaultOpenAIVoice is the voice used when none is configured.
	DefaultOpenAIVoice = "alloy"

	openAIPCMFormat = "pcm"
)

// NewOpenAISpeech creates an OpenAISpeech synthesizer.
func NewOpenAISpeech(apiKey, baseURL, model, voice string) OpenAISpeech {
	if model == "" {
		model = DefaultOpenAISpeechModel
	}
	if voice == "" {
		voice = DefaultOpenAIVoice
	}
	return OpenAISpeech{
		model:  model,
		voice:  voice,
		client: newOpenAIClient(apiKey, baseURL),
	}
}

// Synthesize returns the base64 PCM payload for text.
func (o OpenAISpeech) Synthesize(ctx context.Context, text string) (string, error) {
	res, err := o.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(o.model),
		Input:          text,
		Voice:          goopenai.SpeechVoice(o.voice),
		ResponseFormat: goopenai.SpeechResponseFormat(openAIPCMFormat),
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer res.Close()

	raw, err := io.ReadAll(res)
	if err != nil {
		return "", fmt.Errorf("error reading audio: %w", err)
	}
	if len(raw) == 0 {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
