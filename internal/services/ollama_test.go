package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/services"
)

func TestOllamaStream(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string   `json:"role"`
			Content string   `json:"content"`
			Images  []string `json:"images"`
		} `json:"messages"`
		Options map[string]any `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range []string{"Photo", "synthesis"} {
			fmt.Fprintf(w, "{\"model\":\"llava\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", c)
		}
		fmt.Fprint(w, "{\"model\":\"llava\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	temp := float32(0.2)
	o, err := services.NewOllama(srv.URL, "llava", services.LLMParameters{Temperature: &temp}, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	req := models.TurnRequest{
		Prompt:            "What is this leaf doing?",
		SystemInstruction: "Teach biology.",
		Image:             &models.ImageData{MIMEType: "image/png", Base64: "AQID"},
	}

	var text string
	events := 0
	for ev, err := range o.Stream(context.Background(), req) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		events++
		text += ev.Text
	}

	if text != "Photosynthesis" || events != 2 {
		t.Errorf("got %d events with text %q", events, text)
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", body.Messages)
	}
	if imgs := body.Messages[1].Images; len(imgs) != 1 || imgs[0] != "AQID" {
		t.Errorf("images = %v, want the decoded image", imgs)
	}
	if _, ok := body.Options["temperature"]; !ok {
		t.Errorf("options = %v, want temperature", body.Options)
	}
}

func TestOllamaInvalidImage(t *testing.T) {
	o, err := services.NewOllama("http://127.0.0.1:1", "llava", services.LLMParameters{}, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	req := models.TurnRequest{Prompt: "x", Image: &models.ImageData{MIMEType: "image/png", Base64: "%%%"}}

	var gotErr error
	for _, err := range o.Stream(context.Background(), req) {
		gotErr = err
	}
	if gotErr == nil {
		t.Error("expected an image decoding error")
	}
}
