package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/cognitutor/internal/diagram"
)

// Kroki renders mermaid diagrams to SVG through a Kroki server.
type Kroki struct {
	baseURL string

	client *http.Client
}

// DefaultKrokiURL is the public Kroki instance.
const DefaultKrokiURL = "https://kroki.io"

// maxSVGSize bounds how much of a response body is read.
const maxSVGSize = 4 << 20

type mermaidInit struct {
	Theme         diagram.Theme `json:"theme"`
	FontFamily    string        `json:"fontFamily,omitempty"`
	SecurityLevel string        `json:"securityLevel,omitempty"`
}

// NewKroki creates a Kroki engine. An empty baseURL uses DefaultKrokiURL.
func NewKroki(baseURL string) Kroki {
	if baseURL == "" {
		baseURL = DefaultKrokiURL
	}
	return Kroki{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// MermaidSource prefixes code with an init directive carrying the render options.
func MermaidSource(code string, opts diagram.Options) (string, error) {
	init, err := json.Marshal(mermaidInit{
		Theme:         opts.Theme,
		FontFamily:    opts.FontFamily,
		SecurityLevel: opts.SecurityLevel,
	})
	if err != nil {
		return "", fmt.Errorf("error marshaling init directive: %w", err)
	}
	return "%%{init: " + string(init) + "}%%\n" + code, nil
}

// Render implements diagram.Engine. A non-2xx response, which Kroki returns for invalid syntax, is an error.
func (k Kroki) Render(ctx context.Context, id, code string, opts diagram.Options) (diagram.Visual, error) {
	src, err := MermaidSource(code, opts)
	if err != nil {
		return diagram.Visual{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.baseURL+"/mermaid/svg", bytes.NewBufferString(src))
	if err != nil {
		return diagram.Visual{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "image/svg+xml")

	resp, err := k.client.Do(req)
	if err != nil {
		return diagram.Visual{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSVGSize))
	if err != nil {
		return diagram.Visual{}, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return diagram.Visual{}, fmt.Errorf("unexpected status code: %d, body: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return diagram.Visual{ID: id, SVG: string(body)}, nil
}
