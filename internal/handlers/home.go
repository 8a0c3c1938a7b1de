package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/diagram"
	"github.com/MegaGrindStone/cognitutor/internal/markdown"
	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/voice"
)

type homePageData struct {
	Account  models.Account
	Subjects []subjectOption
	Subject  models.Subject
	Messages []message

	Input     string
	ImageURL  template.URL
	Loading   bool
	Concise   bool
	DarkMode  bool
	Listening bool
	Language  string
	Query     string
}

type loginPageData struct {
	Mode     string
	Email    string
	Error    string
	DarkMode bool
}

type subjectOption struct {
	models.Subject
	Active bool
}

// message is the view model of a chat message.
type message struct {
	ID        string
	Role      string
	Content   template.HTML
	ImageURL  template.URL
	Timestamp time.Time
	Sources   []models.CitationSource

	// StreamingState is "loading" before the first chunk, "streaming" after it and "ended" once the reply
	// is final.
	StreamingState string

	Speakable    bool
	Playing      bool
	AudioLoading bool
	AudioError   bool
}

// HandleHome renders the tutor page of the signed-in learner, redirecting to the sign-in page otherwise.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	l, ok := m.learner(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	snap := l.session.Snapshot()
	msgs, err := m.messageViews(r.Context(), l, snap.Messages, snap.Query)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	subjects := make([]subjectOption, len(m.cfg.Subjects))
	for i, s := range m.cfg.Subjects {
		subjects[i] = subjectOption{Subject: s, Active: s.ID == snap.Subject.ID}
	}

	data := homePageData{
		Account:   l.account,
		Subjects:  subjects,
		Subject:   snap.Subject,
		Messages:  msgs,
		Input:     snap.Input,
		Loading:   snap.Loading,
		Concise:   snap.Concise,
		DarkMode:  snap.DarkMode,
		Listening: snap.Voice == voice.Listening,
		Language:  snap.Language,
		Query:     snap.Query,
	}
	if snap.Image != nil {
		data.ImageURL = template.URL(snap.Image.DataURL())
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleLoginPage renders the sign-in page. The mode query value selects the signup or reset form.
func (m *Main) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.learner(r); ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	m.renderLogin(w, http.StatusOK, loginPageData{Mode: loginMode(r.URL.Query().Get("mode"))})
}

func loginMode(mode string) string {
	switch mode {
	case "signup", "reset":
		return mode
	}
	return "login"
}

func (m *Main) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "login.html", data); err != nil {
		m.logger.Error("Failed to execute login template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// messageViews builds the view models of msgs. Diagrams of finished replies are rendered with the
// session theme.
func (m *Main) messageViews(
	ctx context.Context,
	l *learner,
	msgs []models.ChatMessage,
	query string,
) ([]message, error) {
	views := make([]message, 0, len(msgs))
	for _, msg := range msgs {
		v, err := m.messageView(ctx, l, msg, query)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (m *Main) messageView(ctx context.Context, l *learner, msg models.ChatMessage, query string) (message, error) {
	v := message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Timestamp: msg.Timestamp,
		Sources:   msg.Sources,
	}
	if msg.Image != nil {
		v.ImageURL = template.URL(msg.Image.DataURL())
	}

	if msg.Role == models.RoleUser {
		content, err := markdown.PlainHTML(msg.Text, query)
		if err != nil {
			return message{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		v.Content = template.HTML(content)
		v.StreamingState = "ended"
		return v, nil
	}

	opts := markdown.Options{Query: query}
	switch {
	case msg.IsStreaming && msg.Text == "":
		v.StreamingState = "loading"
	case msg.IsStreaming:
		v.StreamingState = "streaming"
	default:
		v.StreamingState = "ended"
		// Partial diagram code is not rendered while the reply is still arriving.
		opts.Diagram = func(code string) diagram.Result {
			return l.session.RenderDiagram(ctx, code)
		}
	}

	md := m.markdown
	if l.session.Snapshot().DarkMode {
		md = m.darkMarkdown
	}
	content, err := md.RenderString(msg.Text, opts)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}
	v.Content = template.HTML(content)

	if v.StreamingState == "ended" && msg.Text != "" {
		st := l.session.PlaybackState(msg.ID)
		v.Speakable = true
		v.Playing = st.IsPlaying
		v.AudioLoading = st.IsLoading
		v.AudioError = st.LastError
	}
	return v, nil
}

func (m *Main) renderMessages(
	ctx context.Context,
	l *learner,
	msgs []models.ChatMessage,
	query string,
	loading bool,
) (string, error) {
	views, err := m.messageViews(ctx, l, msgs, query)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	data := struct {
		Messages []message
		Loading  bool
		Query    string
	}{views, loading, query}
	if err := m.templates.ExecuteTemplate(&buf, "messages", data); err != nil {
		return "", fmt.Errorf("failed to execute messages template: %w", err)
	}
	return buf.String(), nil
}

func (m *Main) renderMessage(ctx context.Context, l *learner, msg models.ChatMessage, query string) (string, error) {
	v, err := m.messageView(ctx, l, msg, query)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "message", v); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return buf.String(), nil
}
