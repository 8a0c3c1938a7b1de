package models

import (
	"strings"
	"time"
)

// ChatMessage is a single entry of a tutoring conversation. A model message is mutated in place only while
// IsStreaming is true; once the stream reaches its terminal state the message is treated as immutable.
type ChatMessage struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time

	// Image is set on user messages that carried an uploaded picture.
	Image *ImageData

	IsStreaming bool

	// Sources is nil when the model consulted no web sources. Entries are unique by URL.
	Sources []CitationSource
}

// CitationSource is a web source the model consulted while answering.
type CitationSource struct {
	Title string
	URL   string
}

// ImageData is an inline image attached to a user turn.
type ImageData struct {
	MIMEType string
	// Base64 is the standard-encoding base64 payload, without the data URL prefix.
	Base64 string
}

// Role represents the author of a chat message.
type Role string

const (
	// RoleUser represents a message typed or spoken by the learner.
	RoleUser Role = "user"
	// RoleModel represents a message produced by the tutor model.
	RoleModel Role = "model"
)

// DataURL renders the image as a data URL suitable for an <img> src attribute.
func (i ImageData) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Base64
}

// ParseDataURL splits a "data:<mime>;base64,<payload>" URL. It reports false when the URL has another shape.
func ParseDataURL(dataURL string) (ImageData, bool) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return ImageData{}, false
	}
	mime, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || mime == "" || payload == "" {
		return ImageData{}, false
	}
	return ImageData{MIMEType: mime, Base64: payload}, true
}

// Clone returns a deep copy of the message, so snapshots handed to callbacks never alias the
// orchestrator's own slices.
func (m ChatMessage) Clone() ChatMessage {
	c := m
	if m.Sources != nil {
		c.Sources = append([]CitationSource(nil), m.Sources...)
	}
	if m.Image != nil {
		img := *m.Image
		c.Image = &img
	}
	return c
}

// CloneMessages deep-copies a message list.
func CloneMessages(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}
