// Package diagram renders untrusted diagram markup produced by the model. Flowchart sources are normalized
// for the label forms models commonly get wrong before they reach the rendering engine; anything the
// normalization cannot fix degrades to a Failure that carries the original source for display.
package diagram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"github.com/google/uuid"
)

// Theme selects the engine's color theme.
type Theme string

// Themes matching the display mode.
const (
	ThemeDefault Theme = "default"
	ThemeDark    Theme = "dark"
)

// SecurityLevelLoose lets labels carry inline markup such as LineBreak. The output is presentational SVG
// shown in an isolated container, never executed.
const SecurityLevelLoose = "loose"

// Options configures one engine call.
type Options struct {
	Theme         Theme
	FontFamily    string
	SecurityLevel string
}

// Visual is a rendered diagram.
type Visual struct {
	// ID is unique per render call.
	ID  string
	SVG string
}

// Engine renders normalized diagram text. It returns an error on invalid syntax.
type Engine interface {
	Render(ctx context.Context, id, code string, opts Options) (Visual, error)
}

// Result is either Success or Failure.
type Result interface {
	result()
}

// Success carries the rendered visual.
type Success struct {
	Visual Visual
}

// Failure carries the original, untransformed source.
type Failure struct {
	Code string
	Err  error
}

func (Success) result() {}
func (Failure) result() {}

// Renderer turns diagram sources into Results.
type Renderer struct {
	engine     Engine
	fontFamily string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// DefaultFontFamily is used when the renderer is created without a font family.
const DefaultFontFamily = "Inter, sans-serif"

const errLoggerKey = "err"

// NewRenderer creates a Renderer over engine.
func NewRenderer(engine Engine, fontFamily string, m *metrics.Metrics, logger *slog.Logger) *Renderer {
	if fontFamily == "" {
		fontFamily = DefaultFontFamily
	}
	return &Renderer{
		engine:     engine,
		fontFamily: fontFamily,
		metrics:    m,
		logger:     logger.With(slog.String("module", "diagram")),
	}
}

// Render sanitizes code and submits it to the engine. It never returns an error: every failure, including
// a panicking engine, becomes a Failure holding code exactly as it was passed in.
func (r *Renderer) Render(ctx context.Context, code string, dark bool) (res Result) {
	kind := Classify(code)
	defer func() {
		if p := recover(); p != nil {
			res = r.fail(code, kind, fmt.Errorf("diagram engine panic: %v", p))
		}
	}()

	sanitized, kind, err := Sanitize(code)
	if err != nil {
		return r.fail(code, kind, fmt.Errorf("failed to sanitize diagram: %w", err))
	}

	opts := Options{
		Theme:         ThemeDefault,
		FontFamily:    r.fontFamily,
		SecurityLevel: SecurityLevelLoose,
	}
	if dark {
		opts.Theme = ThemeDark
	}

	id := "mermaid-" + uuid.NewString()
	visual, err := r.engine.Render(ctx, id, sanitized, opts)
	if err != nil {
		return r.fail(code, kind, err)
	}
	visual.ID = id

	r.metrics.DiagramRender(string(kind), metrics.OutcomeSuccess)
	return Success{Visual: visual}
}

func (r *Renderer) fail(code string, kind Kind, err error) Result {
	r.metrics.DiagramRender(string(kind), metrics.OutcomeFailure)
	r.logger.Warn("Diagram render failed",
		slog.String("kind", string(kind)),
		slog.String(errLoggerKey, err.Error()))
	return Failure{Code: code, Err: err}
}
