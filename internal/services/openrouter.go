package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams tutor replies from the OpenRouter chat completion API. When the web plugin is enabled
// the url citations it annotates the reply with are reported as sources.
type OpenRouter struct {
	apiKey  string
	baseURL string
	model   string
	web     bool
	params  LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Plugins     []openRouterPlugin  `json:"plugins,omitempty"`
	Stream      bool                `json:"stream"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Seed        *int                `json:"seed,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content,omitempty"`
}

type openRouterContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openRouterPlugin struct {
	ID string `json:"id"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openRouterStreamingChoice struct {
	Delta struct {
		Content     string                 `json:"content"`
		Annotations []openRouterAnnotation `json:"annotations"`
	} `json:"delta"`
}

type openRouterAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
	openRouterDone        = "[DONE]"
)

// NewOpenRouter creates a new OpenRouter instance. web enables the web search plugin.
func NewOpenRouter(apiKey, baseURL, model string, web bool, params LLMParameters, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		web:     web,
		params:  params,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "openrouter")),
	}
}

// Stream opens a streamed exchange with the OpenRouter API.
func (o OpenRouter) Stream(ctx context.Context, turn models.TurnRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		resp, err := o.doRequest(ctx, turn)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "" {
				continue
			}
			if ev.Data == openRouterDone {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.StreamEvent{}, fmt.Errorf("openrouter error: %s", res.Error.Message))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}

			delta := res.Choices[0].Delta
			out := models.StreamEvent{Text: delta.Content}
			for _, a := range delta.Annotations {
				if a.Type != "url_citation" || a.URLCitation.URL == "" {
					continue
				}
				title := a.URLCitation.Title
				if title == "" {
					title = untitledSource
				}
				out.Citations = append(out.Citations, models.CitationSource{Title: title, URL: a.URLCitation.URL})
			}
			if out.Text == "" && len(out.Citations) == 0 {
				continue
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

func openRouterMessages(turn models.TurnRequest) []openRouterMessage {
	msgs := make([]openRouterMessage, 0, len(turn.History)+2)
	if turn.SystemInstruction != "" {
		msgs = append(msgs, openRouterMessage{Role: "system", Content: turn.SystemInstruction})
	}
	for _, h := range turn.History {
		if h.Text == "" {
			continue
		}
		role := "assistant"
		if h.Role == models.RoleUser {
			role = "user"
		}
		msgs = append(msgs, openRouterMessage{Role: role, Content: h.Text})
	}

	if turn.Image == nil {
		return append(msgs, openRouterMessage{Role: "user", Content: turn.Prompt})
	}
	img := openRouterContentPart{Type: "image_url"}
	img.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: turn.Image.DataURL()}
	parts := []openRouterContentPart{img}
	if turn.Prompt != "" {
		parts = append(parts, openRouterContentPart{Type: "text", Text: turn.Prompt})
	}
	return append(msgs, openRouterMessage{Role: "user", Content: parts})
}

func (o OpenRouter) doRequest(ctx context.Context, turn models.TurnRequest) (*http.Response, error) {
	reqBody := openRouterChatRequest{
		Model:       o.model,
		Messages:    openRouterMessages(turn),
		Stream:      true,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		Stop:        o.params.Stop,
		Seed:        o.params.Seed,
		MaxTokens:   o.params.MaxTokens,
	}
	if o.web {
		reqBody.Plugins = []openRouterPlugin{{ID: "web"}}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/cognitutor/")
	req.Header.Set("X-Title", "CogniTutor")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
