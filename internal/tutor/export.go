package tutor

import (
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/models"
)

// Export renders the whole conversation as a markdown transcript, ignoring the search filter.
func (s *Session) Export() string {
	s.mu.Lock()
	subject := s.subject.Name
	messages := models.CloneMessages(s.messages)
	s.mu.Unlock()

	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		author := subject
		if m.Role == models.RoleUser {
			author = "You"
		}
		parts = append(parts, fmt.Sprintf("**%s** (%s):\n%s\n\n", author, m.Timestamp.Format(time.TimeOnly), m.Text))
	}
	return strings.Join(parts, "---\n\n")
}

// ExportFilename names the transcript file for the current subject.
func (s *Session) ExportFilename(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.Join(strings.Fields(s.subject.Name), "-")
	return fmt.Sprintf("CogniTutor-%s-%s.md", name, now.Format(time.DateOnly))
}
