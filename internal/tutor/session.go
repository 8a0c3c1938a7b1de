// Package tutor holds the chat orchestrator: one Session per learner owns the message list, drives a
// streamed model turn per user message and routes voice, audio and diagram requests to their engines.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/audio"
	"github.com/MegaGrindStone/cognitutor/internal/diagram"
	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/stream"
	"github.com/MegaGrindStone/cognitutor/internal/voice"
	"github.com/google/uuid"
)

// Apology is appended as a model message when a turn fails.
const Apology = "I'm sorry, I encountered an error while thinking about that. Please try again."

// WelcomeID is the ID of the greeting that opens every conversation.
const WelcomeID = "welcome"

// DefaultConciseDirective is appended to the subject instruction while concise mode is on.
const DefaultConciseDirective = "CRITICAL INSTRUCTION: The user has enabled 'Concise Mode'. Provide short, " +
	"direct answers. Focus ONLY on the core concept/definition. Avoid lengthy introductions."

var (
	// ErrBusy is returned when a message is sent while a reply is still being generated.
	ErrBusy = errors.New("a reply is still being generated")
	// ErrEmptyMessage is returned when neither text nor an image was provided.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrListening is returned when the recognition language is toggled during capture.
	ErrListening = voice.ErrListening
	// ErrUnknownMessage is returned when an operation names a message that is not in the list.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownAction is returned for an action kind the session does not know.
	ErrUnknownAction = errors.New("unknown action")
)

// ChangeKind tells the host what part of a Session changed.
type ChangeKind int

const (
	// ChangeMessages means the list itself changed: messages were added or removed, or loading toggled.
	ChangeMessages ChangeKind = iota
	// ChangeMessage means a single message was updated in place; Change.Message holds its snapshot.
	ChangeMessage
	// ChangeInput means the pending input text or image changed.
	ChangeInput
	// ChangeVoice means voice capture started or stopped.
	ChangeVoice
	// ChangePlayback means the playback status of Change.MessageID changed.
	ChangePlayback
	// ChangeSettings means subject, concise mode or dark mode changed.
	ChangeSettings
)

// Change is delivered to the host after the session state changed.
type Change struct {
	Kind      ChangeKind
	MessageID string
	Message   models.ChatMessage
}

// Deps are the collaborators of a Session.
type Deps struct {
	Stream     stream.Client
	Recognizer voice.Recognizer
	Voice      voice.Config
	NewOutput  audio.OutputFactory
	Speech     audio.Synthesizer
	Diagrams   diagram.Engine
	FontFamily string
	// ConciseDirective overrides DefaultConciseDirective when set.
	ConciseDirective string
	// OnChange receives every change. It is called without any session lock held.
	OnChange func(Change)
	// Clock is used by voice capture timers. Nil means the system clock.
	Clock   voice.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	Subject  models.Subject
	Messages []models.ChatMessage
	Loading  bool
	Input    string
	Image    *models.ImageData
	Concise  bool
	DarkMode bool
	Voice    voice.State
	Language string
	Query    string
}

// Session is the conversation of one learner.
type Session struct {
	id string

	assembler        stream.Assembler
	voice            *voice.Controller
	audio            *audio.Engine
	diagrams         *diagram.Renderer
	conciseDirective string
	onChange         func(Change)
	logger           *slog.Logger

	mu       sync.Mutex
	subject  models.Subject
	messages []models.ChatMessage
	loading  bool
	input    string
	image    *models.ImageData
	concise  bool
	dark     bool
	query    string
	// epoch changes when the list is reset, so a turn started before the reset does not touch the new list.
	epoch uint64
	// diagrams already rendered for the current list; failures are kept too and never retried.
	rendered map[diagramKey]diagram.Result
}

type diagramKey struct {
	code string
	dark bool
}

const errLoggerKey = "err"

// NewSession creates a session for subject, seeded with the subject's welcome message.
func NewSession(subject models.Subject, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:               id,
		conciseDirective: deps.ConciseDirective,
		onChange:         deps.OnChange,
		logger:           logger.With(slog.String("module", "tutor"), slog.String("session", id)),
		subject:          subject,
		rendered:         make(map[diagramKey]diagram.Result),
	}
	if s.conciseDirective == "" {
		s.conciseDirective = DefaultConciseDirective
	}
	if s.onChange == nil {
		s.onChange = func(Change) {}
	}

	s.assembler = stream.NewAssembler(deps.Stream, deps.Metrics, logger)
	s.voice = voice.NewController(deps.Recognizer, deps.Voice, voice.Options{
		OnInput: s.voiceInput,
		OnState: func(voice.State) { s.onChange(Change{Kind: ChangeVoice}) },
		Clock:   deps.Clock,
		Metrics: deps.Metrics,
	}, logger)
	s.audio = audio.NewEngine(deps.NewOutput, deps.Speech, func(messageID string, _ audio.PlaybackState) {
		s.onChange(Change{Kind: ChangePlayback, MessageID: messageID})
	}, deps.Metrics, logger)
	s.diagrams = diagram.NewRenderer(deps.Diagrams, deps.FontFamily, deps.Metrics, logger)

	s.messages = []models.ChatMessage{welcome(subject)}
	return s
}

func welcome(subject models.Subject) models.ChatMessage {
	return models.ChatMessage{
		ID:        WelcomeID,
		Role:      models.RoleModel,
		Text:      subject.WelcomeMessage,
		Timestamp: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current state. Messages are filtered by the active search query.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Subject:  s.subject,
		Messages: filter(s.messages, s.query),
		Loading:  s.loading,
		Input:    s.input,
		Concise:  s.concise,
		DarkMode: s.dark,
		Query:    s.query,
	}
	if s.image != nil {
		img := *s.image
		snap.Image = &img
	}
	s.mu.Unlock()

	snap.Voice = s.voice.State()
	snap.Language = s.voice.Language()
	return snap
}

// Message returns a copy of the message with the given ID.
func (s *Session) Message(id string) (models.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return models.ChatMessage{}, false
}

// SystemInstruction returns the subject instruction, with the concise directive appended when concise mode
// is on.
func (s *Session) SystemInstruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemInstructionLocked()
}

func (s *Session) systemInstructionLocked() string {
	if !s.concise {
		return s.subject.SystemInstruction
	}
	return s.subject.SystemInstruction + "\n\n" + s.conciseDirective
}

// Turn is one user message and the model reply being generated for it.
type Turn struct {
	session *Session
	req     models.TurnRequest
	reply   models.ChatMessage
	epoch   uint64
}

// ReplyID returns the ID of the streaming model message.
func (t *Turn) ReplyID() string {
	return t.reply.ID
}

// Begin appends the user message and the streaming placeholder and marks the session loading. The reply is
// generated by Run. An active voice capture is stopped and the pending input is cleared.
func (s *Session) Begin(text string, image *models.ImageData) (*Turn, error) {
	if strings.TrimSpace(text) == "" && image == nil {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.loading = true
	s.mu.Unlock()

	s.voice.Stop()

	now := time.Now()
	user := models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Text:      text,
		Timestamp: now,
	}
	if image != nil {
		img := *image
		user.Image = &img
	}
	reply := models.ChatMessage{
		ID:          uuid.NewString(),
		Role:        models.RoleModel,
		Timestamp:   now,
		IsStreaming: true,
	}

	s.mu.Lock()
	req := models.TurnRequest{
		Prompt:            text,
		SystemInstruction: s.systemInstructionLocked(),
		Image:             user.Clone().Image,
		History:           models.History(s.messages),
	}
	s.messages = append(s.messages, user, reply)
	s.input = ""
	s.image = nil
	s.query = ""
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Debug("Turn started",
		slog.String("messageID", reply.ID),
		slog.Int("history", len(req.History)),
		slog.Bool("image", image != nil))

	s.onChange(Change{Kind: ChangeInput})
	s.onChange(Change{Kind: ChangeMessages})

	return &Turn{session: s, req: req, reply: reply, epoch: epoch}, nil
}

// Run streams the reply. On failure the partial reply is kept and the apology is appended. The session
// leaves the loading state when Run returns.
func (t *Turn) Run(ctx context.Context) error {
	s := t.session
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		s.onChange(Change{Kind: ChangeMessages})
	}()

	if _, err := s.assembler.Assemble(ctx, t.req, t.reply, s.update); err != nil {
		s.mu.Lock()
		if s.epoch == t.epoch {
			s.messages = append(s.messages, models.ChatMessage{
				ID:        uuid.NewString(),
				Role:      models.RoleModel,
				Text:      Apology,
				Timestamp: time.Now(),
			})
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	return nil
}

// Send is Begin followed by Run.
func (s *Session) Send(ctx context.Context, text string, image *models.ImageData) error {
	t, err := s.Begin(text, image)
	if err != nil {
		return err
	}
	return t.Run(ctx)
}

// update replaces the message with the same ID by msg. Updates for messages no longer in the list are
// dropped.
func (s *Session) update(msg models.ChatMessage) {
	s.mu.Lock()
	found := false
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.onChange(Change{Kind: ChangeMessage, MessageID: msg.ID, Message: msg.Clone()})
	}
}

// Action kinds a learner can apply to a model message.
const (
	ActionSimplify  = "simplify"
	ActionElaborate = "elaborate"
	ActionVisualize = "visualize"
	ActionEdit      = "edit"
)

const actionContextLen = 100

// ActionPrompt builds the follow-up prompt for an action on content. It reports false for ActionEdit and
// unknown kinds.
func ActionPrompt(kind, content string) (string, bool) {
	excerpt := content
	if r := []rune(content); len(r) > actionContextLen {
		excerpt = string(r[:actionContextLen])
	}
	switch kind {
	case ActionSimplify:
		return fmt.Sprintf("Please rewrite the previous explanation in extremely simple terms, as if explaining "+
			"to a beginner or 10-year-old. Keep it brief. Context: \"%s\"...", excerpt), true
	case ActionElaborate:
		return fmt.Sprintf("Please elaborate on the previous concept with more detailed examples, analogies, "+
			"and a deeper technical breakdown. Context: \"%s\"...", excerpt), true
	case ActionVisualize:
		return fmt.Sprintf("Please generate a Mermaid.js diagram (Flowchart, Sequence Diagram, or Mind Map) to "+
			"visualize the concept explained in the previous message. Return ONLY the code block and a brief "+
			"title. Context: \"%s\"...", excerpt), true
	}
	return "", false
}

// Action applies kind to content. Edit puts content into the pending input; the other kinds send a
// follow-up prompt and return the started turn.
func (s *Session) Action(kind, content string) (*Turn, error) {
	if kind == ActionEdit {
		s.SetInput(content)
		return nil, nil
	}
	prompt, ok := ActionPrompt(kind, content)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return s.Begin(prompt, nil)
}

// ToggleVoice starts capture from the current input, or stops it when already listening.
func (s *Session) ToggleVoice() error {
	if s.voice.State() == voice.Listening {
		s.voice.Stop()
		return nil
	}
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()
	return s.voice.Start(input)
}

// ToggleLanguage switches the recognition language. It fails with ErrListening during capture.
func (s *Session) ToggleLanguage() (string, error) {
	lang, err := s.voice.ToggleLanguage()
	if err != nil {
		return "", err
	}
	s.onChange(Change{Kind: ChangeVoice})
	return lang, nil
}

// VoiceResult forwards a recognition result of the given capture session.
func (s *Session) VoiceResult(session uint64, segments []string) {
	s.voice.Result(session, segments)
}

// VoiceError forwards a recognition error of the given capture session.
func (s *Session) VoiceError(session uint64, err error) {
	s.voice.Error(session, err)
}

// VoiceEnded forwards the recognizer reporting the end of the given capture session.
func (s *Session) VoiceEnded(session uint64) {
	s.voice.Ended(session)
}

func (s *Session) voiceInput(value string) {
	s.mu.Lock()
	s.input = value
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeInput})
}

// PlayOrStop toggles speech playback of a message.
func (s *Session) PlayOrStop(ctx context.Context, messageID string) error {
	msg, ok := s.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	return s.audio.PlayOrStop(ctx, messageID, msg.Text)
}

// PlaybackState returns the playback status of a message.
func (s *Session) PlaybackState(messageID string) audio.PlaybackState {
	return s.audio.State(messageID)
}

// RenderDiagram renders diagram code with the session theme. Results are cached per code and theme until
// the conversation is reset.
func (s *Session) RenderDiagram(ctx context.Context, code string) diagram.Result {
	s.mu.Lock()
	key := diagramKey{code: code, dark: s.dark}
	if res, ok := s.rendered[key]; ok {
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	res := s.diagrams.Render(ctx, code, key.dark)
	if ctx.Err() != nil {
		return res
	}
	s.mu.Lock()
	s.rendered[key] = res
	s.mu.Unlock()
	return res
}

// SetSubject switches the persona and restarts the conversation with its welcome message.
func (s *Session) SetSubject(subject models.Subject) {
	s.mu.Lock()
	s.subject = subject
	s.mu.Unlock()
	s.reset()
	s.onChange(Change{Kind: ChangeSettings})
}

// Clear restarts the conversation with the welcome message of the current subject.
func (s *Session) Clear() {
	s.reset()
}

func (s *Session) reset() {
	s.mu.Lock()
	dropped := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		dropped = append(dropped, m.ID)
	}
	s.messages = []models.ChatMessage{welcome(s.subject)}
	s.query = ""
	s.epoch++
	s.rendered = make(map[diagramKey]diagram.Result)
	s.mu.Unlock()

	for _, id := range dropped {
		s.audio.Forget(id)
	}
	s.onChange(Change{Kind: ChangeMessages})
}

// Search sets the active query and returns the messages whose text or any source title contains it,
// ignoring case. An empty query returns every message.
func (s *Session) Search(query string) []models.ChatMessage {
	s.mu.Lock()
	s.query = strings.TrimSpace(query)
	res := filter(s.messages, s.query)
	s.mu.Unlock()
	return res
}

func filter(messages []models.ChatMessage, query string) []models.ChatMessage {
	if query == "" {
		return models.CloneMessages(messages)
	}
	q := strings.ToLower(query)
	var res []models.ChatMessage
	for _, m := range messages {
		if matches(m, q) {
			res = append(res, m.Clone())
		}
	}
	return res
}

func matches(m models.ChatMessage, lowerQuery string) bool {
	if strings.Contains(strings.ToLower(m.Text), lowerQuery) {
		return true
	}
	for _, src := range m.Sources {
		if strings.Contains(strings.ToLower(src.Title), lowerQuery) {
			return true
		}
	}
	return false
}

// SetConcise toggles concise mode. It applies to turns started afterwards.
func (s *Session) SetConcise(on bool) {
	s.mu.Lock()
	s.concise = on
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeSettings})
}

// SetDarkMode toggles the dark theme used for diagrams.
func (s *Session) SetDarkMode(on bool) {
	s.mu.Lock()
	s.dark = on
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeSettings})
}

// SetInput replaces the pending input text.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeInput})
}

// SetImage replaces the pending image. Nil removes it.
func (s *Session) SetImage(image *models.ImageData) {
	s.mu.Lock()
	if image != nil {
		img := *image
		image = &img
	}
	s.image = image
	s.mu.Unlock()
	s.onChange(Change{Kind: ChangeInput})
}

// Close stops voice capture and releases the audio output.
func (s *Session) Close() error {
	s.voice.Stop()
	if err := s.audio.Close(); err != nil {
		s.logger.Warn("Failed to close audio", slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to close audio: %w", err)
	}
	return nil
}
