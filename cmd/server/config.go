package main

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/audio"
	"github.com/MegaGrindStone/cognitutor/internal/handlers"
	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/services"
	"github.com/MegaGrindStone/cognitutor/internal/voice"
	"github.com/ilyakaznacheev/cleanenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed subjects.yaml
var defaultSubjects []byte

type llmConfig interface {
	llm(env envConfig, logger *slog.Logger) (handlers.LLM, error)
}

type ttsConfig interface {
	synthesizer(env envConfig) (audio.Synthesizer, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

// BaseTTSConfig contains the common fields for all speech configurations.
type BaseTTSConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
}

type config struct {
	Port             string
	LogLevel         string
	LogFormat        string
	DBPath           string
	ConciseDirective string
	LLM              llmConfig
	TTS              ttsConfig
	Voice            voice.Config
	Diagram          diagramConfig
	Subjects         []models.Subject
}

// envConfig holds the overrides read from the environment, after .env files were loaded.
type envConfig struct {
	Port             string `env:"COGNITUTOR_PORT"`
	LogLevel         string `env:"COGNITUTOR_LOG_LEVEL"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	OllamaHost       string `env:"OLLAMA_HOST"`
	KrokiURL         string `env:"KROKI_URL"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openrouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	// Web enables the web search plugin, which reports the pages it used as citations.
	Web bool `yaml:"web"`
}

type geminiTTSConfig struct {
	BaseTTSConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openaiTTSConfig struct {
	BaseTTSConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type voiceConfig struct {
	InitialGrace time.Duration `yaml:"initialGrace"`
	SpeechGap    time.Duration `yaml:"speechGap"`
	Languages    []string      `yaml:"languages"`
}

type diagramConfig struct {
	KrokiURL   string `yaml:"krokiURL"`
	FontFamily string `yaml:"fontFamily"`
}

type subjectConfig struct {
	models.Subject `yaml:",inline"`
	// Guidelines names shared instruction blocks appended to the system instruction.
	Guidelines []string `yaml:"guidelines"`
}

type subjectDirectory struct {
	Guidelines map[string]string `yaml:"guidelines"`
	Subjects   []subjectConfig   `yaml:"subjects"`
}

const defaultFontFamily = "Inter, sans-serif"

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port             string            `yaml:"port"`
		LogLevel         string            `yaml:"logLevel"`
		LogFormat        string            `yaml:"logFormat"`
		DBPath           string            `yaml:"dbPath"`
		ConciseDirective string            `yaml:"conciseDirective"`
		LLM              map[string]any    `yaml:"llm"`
		TTS              map[string]any    `yaml:"tts"`
		Voice            voiceConfig       `yaml:"voice"`
		Diagram          diagramConfig     `yaml:"diagram"`
		Guidelines       map[string]string `yaml:"guidelines"`
		Subjects         []subjectConfig   `yaml:"subjects"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.DBPath = rawConfig.DBPath
	c.ConciseDirective = rawConfig.ConciseDirective
	c.Diagram = rawConfig.Diagram

	llm, err := decodeLLM(rawConfig.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	c.LLM = llm

	if rawConfig.TTS != nil {
		tts, err := decodeTTS(rawConfig.TTS)
		if err != nil {
			return fmt.Errorf("tts: %w", err)
		}
		c.TTS = tts
	}

	vc, err := rawConfig.Voice.voice()
	if err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	c.Voice = vc

	if len(rawConfig.Subjects) > 0 {
		subjects, err := subjectDirectory{
			Guidelines: rawConfig.Guidelines,
			Subjects:   rawConfig.Subjects,
		}.subjects()
		if err != nil {
			return fmt.Errorf("subjects: %w", err)
		}
		c.Subjects = subjects
	}

	return nil
}

func decodeLLM(raw map[string]any) (llmConfig, error) {
	llmProvider, ok := raw["provider"].(string)
	if !ok {
		return nil, fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "openrouter":
		llm = &openrouterConfig{}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return nil, err
	}
	return llm, nil
}

func decodeTTS(raw map[string]any) (ttsConfig, error) {
	ttsProvider, ok := raw["provider"].(string)
	if !ok {
		return nil, fmt.Errorf("tts provider is required")
	}

	ttsRawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var tts ttsConfig
	switch ttsProvider {
	case "gemini":
		tts = &geminiTTSConfig{}
	case "openai":
		tts = &openaiTTSConfig{}
	default:
		return nil, fmt.Errorf("unknown tts provider: %s", ttsProvider)
	}

	if err := yaml.Unmarshal(ttsRawYAML, tts); err != nil {
		return nil, err
	}
	return tts, nil
}

// loadConfig decodes the configuration file at path and applies the environment overrides. A missing
// speech section falls back to Gemini speech, and missing subjects to the embedded directory.
func loadConfig(path string) (config, envConfig, error) {
	var env envConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return config{}, envConfig{}, fmt.Errorf("error reading environment: %w", err)
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, envConfig{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, envConfig{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if env.Port != "" {
		cfg.Port = env.Port
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.KrokiURL != "" {
		cfg.Diagram.KrokiURL = env.KrokiURL
	}
	if cfg.Diagram.FontFamily == "" {
		cfg.Diagram.FontFamily = defaultFontFamily
	}
	if cfg.TTS == nil {
		cfg.TTS = &geminiTTSConfig{BaseTTSConfig: BaseTTSConfig{Provider: "gemini"}}
	}
	if len(cfg.Subjects) == 0 {
		var dir subjectDirectory
		if err := yaml.Unmarshal(defaultSubjects, &dir); err != nil {
			return config{}, envConfig{}, fmt.Errorf("error decoding default subjects: %w", err)
		}
		if cfg.Subjects, err = dir.subjects(); err != nil {
			return config{}, envConfig{}, fmt.Errorf("error loading default subjects: %w", err)
		}
	}

	return cfg, env, nil
}

func (v voiceConfig) voice() (voice.Config, error) {
	cfg := voice.DefaultConfig()
	if v.InitialGrace < 0 || v.SpeechGap < 0 {
		return voice.Config{}, errors.New("silence durations must not be negative")
	}
	if v.InitialGrace > 0 {
		cfg.InitialGrace = v.InitialGrace
	}
	if v.SpeechGap > 0 {
		cfg.SpeechGap = v.SpeechGap
	}
	if len(v.Languages) == 0 {
		return cfg, nil
	}
	if len(v.Languages) != 2 {
		return voice.Config{}, fmt.Errorf("exactly two languages are required, got %d", len(v.Languages))
	}
	for i, l := range v.Languages {
		tag, err := language.Parse(l)
		if err != nil {
			return voice.Config{}, fmt.Errorf("invalid language %q: %w", l, err)
		}
		cfg.Languages[i] = tag
	}
	return cfg, nil
}

func (d subjectDirectory) subjects() ([]models.Subject, error) {
	subjects := make([]models.Subject, 0, len(d.Subjects))
	seen := make(map[string]bool, len(d.Subjects))
	for _, s := range d.Subjects {
		if s.ID == "" || s.Name == "" {
			return nil, errors.New("subject id and name are required")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate subject %q", s.ID)
		}
		seen[s.ID] = true

		instruction := strings.TrimSpace(s.SystemInstruction)
		for _, name := range s.Guidelines {
			g, ok := d.Guidelines[name]
			if !ok {
				return nil, fmt.Errorf("subject %q: unknown guideline %q", s.ID, name)
			}
			instruction += "\n" + strings.TrimRight(g, "\n")
		}
		subject := s.Subject
		subject.SystemInstruction = instruction
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

func (g geminiConfig) llm(env envConfig, logger *slog.Logger) (handlers.LLM, error) {
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = env.GeminiAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	return services.NewGemini(apiKey, g.BaseURL, g.Model, g.Parameters, logger), nil
}

func (o openaiConfig) llm(env envConfig, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = env.OpenAIAPIKey
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(env envConfig, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = env.OllamaHost
	}
	return services.NewOllama(host, o.Model, o.Parameters, logger)
}

func (o openrouterConfig) llm(env envConfig, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = env.OpenRouterAPIKey
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, o.Web, o.Parameters, logger), nil
}

func (g geminiTTSConfig) synthesizer(env envConfig) (audio.Synthesizer, error) {
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = env.GeminiAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	return services.NewGeminiSpeech(apiKey, g.BaseURL, g.Model, g.Voice), nil
}

func (o openaiTTSConfig) synthesizer(env envConfig) (audio.Synthesizer, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = env.OpenAIAPIKey
	}
	return services.NewOpenAISpeech(apiKey, o.BaseURL, o.Model, o.Voice), nil
}
