package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	cognitutor "github.com/MegaGrindStone/cognitutor"
	"github.com/MegaGrindStone/cognitutor/internal/audio"
	"github.com/MegaGrindStone/cognitutor/internal/diagram"
	"github.com/MegaGrindStone/cognitutor/internal/markdown"
	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/tutor"
	"github.com/MegaGrindStone/cognitutor/internal/voice"
	"github.com/sourcegraph/conc"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a model client that streams a tutor reply. It accepts a context and a turn request,
// returning an iterator that yields partial-response events and potential errors.
type LLM interface {
	Stream(ctx context.Context, req models.TurnRequest) iter.Seq2[models.StreamEvent, error]
}

// AccountStore defines the interface for the local sign-in simulation. Implementations return the
// models account errors for duplicate, unknown and mismatching credentials.
type AccountStore interface {
	AddAccount(ctx context.Context, name, email, password string) (models.Account, error)
	Authenticate(ctx context.Context, email, password string) (models.Account, error)
	ResetPassword(ctx context.Context, email, password string) (models.Account, error)
	SetDarkMode(ctx context.Context, email string, dark bool) error
}

// Config carries the collaborators of Main.
type Config struct {
	// Subjects is the persona directory. The first subject is active for new sessions.
	Subjects         []models.Subject
	LLM              LLM
	Speech           audio.Synthesizer
	Diagrams         diagram.Engine
	FontFamily       string
	Voice            voice.Config
	ConciseDirective string
	Store            AccountStore
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Main handles the core functionality of the tutor application, managing server-sent events, HTML
// templates, and one tutoring session per signed-in learner.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	markdown     markdown.Renderer
	darkMarkdown markdown.Renderer

	cfg    Config
	store  AccountStore
	logger *slog.Logger

	// ctx outlives requests; turns and playback run under it until Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	learners map[string]*learner
}

// learner is a signed-in user with its tutoring session and the browser bridges that session drives.
type learner struct {
	account models.Account
	session *tutor.Session
	voice   *browserRecognizer
	audio   *browserAudio
}

// SSE event types for real-time updates.
const (
	messagesSSEType   = "messages"
	messageSSEType    = "message"
	inputSSEType      = "input"
	voiceStateSSEType = "voiceState"
	settingsSSEType   = "settings"
	bannerSSEType     = "banner"
	voiceSSEType      = "voice"
	audioSSEType      = "audio"
)

const (
	errLoggerKey      = "err"
	sessionCookieName = "cognitutor_session"
)

var errNoSubjects = errors.New("at least one subject is required")

// NewMain creates a new Main instance. It initializes the SSE server, which subscribes every browser
// to the topic of the learner its session cookie belongs to, and parses the required HTML templates
// from the embedded filesystem.
func NewMain(cfg Config) (*Main, error) {
	if len(cfg.Subjects) == 0 {
		return nil, errNoSubjects
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"clock": func(t time.Time) string { return t.Format("15:04") },
	}).ParseFS(
		cognitutor.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Main{
		templates: tmpl,
		cfg:       cfg,
		store:     cfg.Store,
		logger:    logger.With(slog.String("module", "handlers")),
		ctx:       ctx,
		cancel:    cancel,
		learners:  make(map[string]*learner),

		markdown:     markdown.NewRenderer(markdown.DefaultStyle),
		darkMarkdown: markdown.NewRenderer(markdown.DarkStyle),
	}
	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// We start with default topics that all clients should subscribe to
			topics := []string{sse.DefaultTopic}

			// A signed-in browser also receives the updates of its own session
			if l, ok := m.learner(s.Req); ok {
				topics = append(topics, sessionTopic(l.session.ID()))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}
	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// HandleSSE serves the event stream of the signed-in learner.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// learner returns the learner the request's session cookie belongs to.
func (m *Main) learner(r *http.Request) (*learner, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.learners[c.Value]
	return l, ok
}

// signIn starts a tutoring session for acc and returns its ID, which doubles as the cookie value.
func (m *Main) signIn(acc models.Account) string {
	l := &learner{account: acc}
	publish := func(typ, data string) {
		m.publish(l, typ, data)
	}
	l.voice = newBrowserRecognizer(publish)
	l.audio = newBrowserAudio(publish)
	l.session = tutor.NewSession(m.cfg.Subjects[0], tutor.Deps{
		Stream:           m.cfg.LLM,
		Recognizer:       l.voice,
		Voice:            m.cfg.Voice,
		NewOutput:        l.audio.open,
		Speech:           m.cfg.Speech,
		Diagrams:         m.cfg.Diagrams,
		FontFamily:       m.cfg.FontFamily,
		ConciseDirective: m.cfg.ConciseDirective,
		OnChange:         func(c tutor.Change) { m.onChange(l, c) },
		Metrics:          m.cfg.Metrics,
		Logger:           m.logger,
	})
	l.session.SetDarkMode(acc.DarkMode)

	m.mu.Lock()
	m.learners[l.session.ID()] = l
	m.mu.Unlock()

	m.logger.Info("Learner signed in", slog.String("session", l.session.ID()))
	return l.session.ID()
}

// signOut closes the session of l.
func (m *Main) signOut(l *learner) {
	m.mu.Lock()
	delete(m.learners, l.session.ID())
	m.mu.Unlock()

	if err := l.session.Close(); err != nil {
		m.logger.Warn("Failed to close session",
			slog.String("session", l.session.ID()),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publish sends one event to the browsers of l.
func (m *Main) publish(l *learner, typ, data string) {
	msg := sse.Message{Type: sse.Type(typ)}
	msg.AppendData(data)
	if err := m.sseSrv.Publish(&msg, sessionTopic(l.session.ID())); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.logger.Debug("Published event", slog.String("type", typ), slog.Int("size", len(data)))
}

func (m *Main) publishJSON(l *learner, typ string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publish(l, typ, string(b))
}

// onChange turns session changes into SSE events.
func (m *Main) onChange(l *learner, c tutor.Change) {
	switch c.Kind {
	case tutor.ChangeMessages:
		m.publishMessages(l)
	case tutor.ChangeSettings:
		m.publishMessages(l)
		snap := l.session.Snapshot()
		m.publishJSON(l, settingsSSEType, settingsEvent{
			Subject:  snap.Subject.ID,
			Name:     snap.Subject.Name,
			Color:    snap.Subject.Color,
			Concise:  snap.Concise,
			DarkMode: snap.DarkMode,
		})
	case tutor.ChangeMessage:
		m.publishMessage(l, c.Message)
	case tutor.ChangePlayback:
		if msg, ok := l.session.Message(c.MessageID); ok {
			m.publishMessage(l, msg)
		}
	case tutor.ChangeInput:
		m.publish(l, inputSSEType, l.session.Snapshot().Input)
	case tutor.ChangeVoice:
		snap := l.session.Snapshot()
		m.publishJSON(l, voiceStateSSEType, voiceStateEvent{
			Listening: snap.Voice == voice.Listening,
			Language:  snap.Language,
		})
	}
}

type settingsEvent struct {
	Subject  string `json:"subject"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Concise  bool   `json:"concise"`
	DarkMode bool   `json:"darkMode"`
}

type voiceStateEvent struct {
	Listening bool   `json:"listening"`
	Language  string `json:"language"`
}

type messageEvent struct {
	ID   string `json:"id"`
	HTML string `json:"html"`
}

func (m *Main) publishMessages(l *learner) {
	snap := l.session.Snapshot()
	html, err := m.renderMessages(m.ctx, l, snap.Messages, snap.Query, snap.Loading)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publish(l, messagesSSEType, html)
}

func (m *Main) publishMessage(l *learner, msg models.ChatMessage) {
	html, err := m.renderMessage(m.ctx, l, msg, l.session.Snapshot().Query)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publishJSON(l, messageSSEType, messageEvent{ID: msg.ID, HTML: html})
}

// httpError maps a core error onto a status code. Failures that belong to the conversation itself, like
// a failed stream, never reach here: they are shown inside the chat.
func (m *Main) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tutor.ErrBusy), errors.Is(err, tutor.ErrListening),
		errors.Is(err, models.ErrAccountExists):
		status = http.StatusConflict
	case errors.Is(err, tutor.ErrEmptyMessage), errors.Is(err, tutor.ErrUnknownAction):
		status = http.StatusBadRequest
	case errors.Is(err, voice.ErrUnsupportedCapability):
		status = http.StatusPreconditionFailed
	case errors.Is(err, tutor.ErrUnknownMessage), errors.Is(err, models.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		m.logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))
	}
	http.Error(w, err.Error(), status)
}

// Shutdown gracefully terminates Main. It broadcasts a close message to all connected clients, waits
// for in-flight turns until ctx is done, closes every session and then the SSE server, which gets up to
// 5 seconds for connections to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// An event without data is never dispatched by the browser
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown before in-flight turns finished")
	}
	m.cancel()

	m.mu.Lock()
	learners := make([]*learner, 0, len(m.learners))
	for _, l := range m.learners {
		learners = append(learners, l)
	}
	m.mu.Unlock()
	for _, l := range learners {
		m.signOut(l)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
