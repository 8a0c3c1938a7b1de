package tutor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/models"
)

func TestExport(t *testing.T) {
	h := newHarness(&mockClient{events: []models.StreamEvent{{Text: "Because of gravity."}}})
	if err := h.session.Send(context.Background(), "Why do apples fall?", nil); err != nil {
		t.Fatal(err)
	}
	h.session.Search("gravity")

	out := h.session.Export()
	if got := strings.Count(out, "---\n\n"); got != 2 {
		t.Errorf("got %d separators, want 2:\n%s", got, out)
	}
	for _, want := range []string{"**Science** (", "**You** (", "Why do apples fall?", "Because of gravity."} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}

	day := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	if got := h.session.ExportFilename(day); got != "CogniTutor-Science-2024-03-09.md" {
		t.Errorf("ExportFilename() = %q", got)
	}
}
