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

// Gemini streams tutor replies from the Gemini generateContent API with Google Search grounding enabled.
type Gemini struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64

	client *http.Client

	logger *slog.Logger
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature        *float64            `json:"temperature,omitempty"`
	ResponseModalities []string            `json:"responseModalities,omitempty"`
	SpeechConfig       *geminiSpeechConfig `json:"speechConfig,omitempty"`
}

type geminiSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content           geminiContent `json:"content"`
	GroundingMetadata *struct {
		GroundingChunks []struct {
			Web *struct {
				URI   string `json:"uri"`
				Title string `json:"title"`
			} `json:"web"`
		} `json:"groundingChunks"`
	} `json:"groundingMetadata"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

const (
	geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultGeminiModel is the model used when none is configured.
	DefaultGeminiModel = "gemini-2.5-flash"
	// DefaultTemperature balances creativity and accuracy.
	DefaultTemperature = 0.7

	untitledSource = "Source"
)

// NewGemini creates a Gemini client. An empty baseURL uses the public endpoint.
func NewGemini(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) Gemini {
	if baseURL == "" {
		baseURL = geminiAPIEndpoint
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	temperature := DefaultTemperature
	if params.Temperature != nil {
		temperature = float64(*params.Temperature)
	}
	return Gemini{
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		temperature: temperature,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "gemini")),
	}
}

func geminiRole(role models.Role) string {
	if role == models.RoleUser {
		return "user"
	}
	return "model"
}

func (g Gemini) request(req models.TurnRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, h := range req.History {
		if h.Text == "" {
			continue
		}
		contents = append(contents, geminiContent{
			Role:  geminiRole(h.Role),
			Parts: []geminiPart{{Text: h.Text}},
		})
	}

	// The image goes before the prompt text.
	var parts []geminiPart
	if req.Image != nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MIMEType: req.Image.MIMEType,
			Data:     req.Image.Base64,
		}})
	}
	if req.Prompt != "" || len(parts) == 0 {
		parts = append(parts, geminiPart{Text: req.Prompt})
	}
	contents = append(contents, geminiContent{Role: "user", Parts: parts})

	temperature := g.temperature
	gr := geminiRequest{
		Contents:         contents,
		Tools:            []geminiTool{{GoogleSearch: &struct{}{}}},
		GenerationConfig: &geminiGenerationConfig{Temperature: &temperature},
	}
	if req.SystemInstruction != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	return gr
}

// Stream opens a streamed exchange. Each server-sent event carries one partial response; its text parts are
// concatenated into the event delta and its web grounding chunks become citations.
func (g Gemini) Stream(ctx context.Context, req models.TurnRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		resp, err := g.post(ctx, g.model+":streamGenerateContent?alt=sse", g.request(req))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Data == "" {
				continue
			}
			if ev.Type == "error" {
				yield(models.StreamEvent{}, decodeGeminiError([]byte(ev.Data)))
				return
			}

			var res geminiResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			g.logger.Debug("Gemini chunk", slog.String("data", ev.Data))

			if !yield(streamEvent(res), nil) {
				return
			}
		}
	}
}

func streamEvent(res geminiResponse) models.StreamEvent {
	var ev models.StreamEvent
	if len(res.Candidates) == 0 {
		return ev
	}
	c := res.Candidates[0]

	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	ev.Text = sb.String()

	if c.GroundingMetadata == nil {
		return ev
	}
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		title := chunk.Web.Title
		if title == "" {
			title = untitledSource
		}
		ev.Citations = append(ev.Citations, models.CitationSource{Title: title, URL: chunk.Web.URI})
	}
	return ev
}

func (g Gemini) post(ctx context.Context, method string, body any) (*http.Response, error) {
	return geminiPost(ctx, g.client, g.baseURL, g.apiKey, method, body)
}

func geminiPost(
	ctx context.Context,
	client *http.Client,
	baseURL, apiKey, method string,
	body any,
) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/models/"+method, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		err := decodeGeminiError(b)
		return nil, fmt.Errorf("unexpected status %d: %w", resp.StatusCode, err)
	}
	return resp, nil
}

func decodeGeminiError(b []byte) error {
	var e geminiError
	if err := json.Unmarshal(b, &e); err != nil || e.Error.Message == "" {
		return fmt.Errorf("gemini error: %s", strings.TrimSpace(string(b)))
	}
	return fmt.Errorf("gemini error %s: %s", e.Error.Status, e.Error.Message)
}

// GeminiSpeech synthesizes tutor speech with a Gemini text-to-speech model. The audio comes back as
// base64 16-bit mono PCM at 24 kHz.
type GeminiSpeech struct {
	apiKey  string
	baseURL string
	model   string
	voice   string

	client *http.Client
}

const (
	// DefaultGeminiSpeechModel is the speech model used when none is configured.
	DefaultGeminiSpeechModel = "gemini-2.5-flash-preview-tts"
	// DefaultGeminiVoice is the prebuilt voice used when none is configured.
	DefaultGeminiVoice = "Kore"
)

// NewGeminiSpeech creates a GeminiSpeech synthesizer.
func NewGeminiSpeech(apiKey, baseURL, model, voice string) GeminiSpeech {
	if baseURL == "" {
		baseURL = geminiAPIEndpoint
	}
	if model == "" {
		model = DefaultGeminiSpeechModel
	}
	if voice == "" {
		voice = DefaultGeminiVoice
	}
	return GeminiSpeech{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		voice:   voice,
		client:  &http.Client{},
	}
}

// Synthesize returns the base64 audio payload for text, or "" when the response carries no audio.
func (g GeminiSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	sc := &geminiSpeechConfig{}
	sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = g.voice
	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       sc,
		},
	}

	resp, err := geminiPost(ctx, g.client, g.baseURL, g.apiKey, g.model+":generateContent", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Candidates) == 0 || len(res.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	part := res.Candidates[0].Content.Parts[0]
	if part.InlineData == nil {
		return "", nil
	}
	return part.InlineData.Data, nil
}
