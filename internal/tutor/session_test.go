package tutor_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/audio"
	"github.com/MegaGrindStone/cognitutor/internal/diagram"
	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/stream"
	"github.com/MegaGrindStone/cognitutor/internal/tutor"
	"github.com/MegaGrindStone/cognitutor/internal/voice"
)

type mockClient struct {
	mu     sync.Mutex
	events []models.StreamEvent
	err    error
	reqs   []models.TurnRequest
}

func (m *mockClient) Stream(_ context.Context, req models.TurnRequest) iter.Seq2[models.StreamEvent, error] {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	events, err := m.events, m.err
	m.mu.Unlock()

	return func(yield func(models.StreamEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if err != nil {
			yield(models.StreamEvent{}, err)
		}
	}
}

func (m *mockClient) lastRequest() models.TurnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

type fakeRecognizer struct {
	available bool
	started   []string
	sessions  []uint64
	stops     int
}

func (r *fakeRecognizer) Available() bool { return r.available }

func (r *fakeRecognizer) Start(lang string, session uint64) error {
	r.started = append(r.started, lang)
	r.sessions = append(r.sessions, session)
	return nil
}

func (r *fakeRecognizer) Stop() { r.stops++ }

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

type idleClock struct{}

func (idleClock) AfterFunc(time.Duration, func()) voice.Timer { return idleTimer{} }

type mockSynth struct{}

func (mockSynth) Synthesize(context.Context, string) (string, error) {
	return "AAABAAIA", nil
}

type fakePlayback struct {
	stopped bool
}

func (p *fakePlayback) Stop() { p.stopped = true }

type fakeOutput struct {
	playbacks []*fakePlayback
}

func (o *fakeOutput) State() audio.OutputState { return audio.OutputRunning }

func (o *fakeOutput) Resume(context.Context) error { return nil }

func (o *fakeOutput) Close() error { return nil }

func (o *fakeOutput) Play(*audio.Buffer, func()) (audio.Playback, error) {
	pb := &fakePlayback{}
	o.playbacks = append(o.playbacks, pb)
	return pb, nil
}

type mockEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *mockEngine) Render(_ context.Context, id, _ string, _ diagram.Options) (diagram.Visual, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return diagram.Visual{ID: id, SVG: "<svg/>"}, nil
}

var testSubject = models.Subject{
	ID:                "science",
	Name:              "Science",
	SystemInstruction: "You are a science tutor.",
	WelcomeMessage:    "Hi! Ask me about science.",
}

type harness struct {
	session *tutor.Session
	client  *mockClient
	rec     *fakeRecognizer
	output  *fakeOutput
	engine  *mockEngine

	mu      sync.Mutex
	changes []tutor.Change
}

func newHarness(client *mockClient) *harness {
	h := &harness{
		client: client,
		rec:    &fakeRecognizer{available: true},
		output: &fakeOutput{},
		engine: &mockEngine{},
	}
	h.session = tutor.NewSession(testSubject, tutor.Deps{
		Stream:     client,
		Recognizer: h.rec,
		Voice:      voice.DefaultConfig(),
		NewOutput:  func() (audio.Output, error) { return h.output, nil },
		Speech:     mockSynth{},
		Diagrams:   h.engine,
		Clock:      idleClock{},
		OnChange: func(c tutor.Change) {
			h.mu.Lock()
			h.changes = append(h.changes, c)
			h.mu.Unlock()
		},
	})
	return h
}

func TestNewSessionSeedsWelcome(t *testing.T) {
	h := newHarness(&mockClient{})

	snap := h.session.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(snap.Messages))
	}
	w := snap.Messages[0]
	if w.ID != tutor.WelcomeID || w.Role != models.RoleModel || w.Text != testSubject.WelcomeMessage {
		t.Errorf("unexpected welcome message: %+v", w)
	}
	if snap.Loading {
		t.Error("new session should not be loading")
	}
	if snap.Language != "en-US" {
		t.Errorf("Language = %q, want en-US", snap.Language)
	}
}

func TestSendStreamsReply(t *testing.T) {
	client := &mockClient{events: []models.StreamEvent{
		{Text: "Water "},
		{Text: "boils.", Citations: []models.CitationSource{{Title: "Wiki", URL: "https://w"}}},
	}}
	h := newHarness(client)
	h.session.SetInput("why does water boil?")

	if err := h.session.Send(context.Background(), "why does water boil?", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	snap := h.session.Snapshot()
	if snap.Loading {
		t.Error("session still loading")
	}
	if snap.Input != "" {
		t.Errorf("input = %q, want cleared", snap.Input)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(snap.Messages))
	}
	user, reply := snap.Messages[1], snap.Messages[2]
	if user.Role != models.RoleUser || user.Text != "why does water boil?" {
		t.Errorf("unexpected user message: %+v", user)
	}
	if reply.Text != "Water boils." || reply.IsStreaming || len(reply.Sources) != 1 {
		t.Errorf("unexpected reply: %+v", reply)
	}

	req := client.lastRequest()
	if req.SystemInstruction != testSubject.SystemInstruction {
		t.Errorf("SystemInstruction = %q", req.SystemInstruction)
	}
	if len(req.History) != 1 || req.History[0].Text != testSubject.WelcomeMessage {
		t.Errorf("History = %+v, want only the welcome turn", req.History)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	updates := 0
	for _, c := range h.changes {
		if c.Kind == tutor.ChangeMessage && c.MessageID == reply.ID {
			updates++
		}
	}
	if updates != 3 {
		t.Errorf("got %d message updates, want 3", updates)
	}
}

func TestSendReplaysHistory(t *testing.T) {
	client := &mockClient{events: []models.StreamEvent{{Text: "answer"}}}
	h := newHarness(client)

	for _, q := range []string{"first", "second"} {
		if err := h.session.Send(context.Background(), q, nil); err != nil {
			t.Fatal(err)
		}
	}

	req := client.lastRequest()
	want := []models.HistoryTurn{
		{Role: models.RoleModel, Text: testSubject.WelcomeMessage},
		{Role: models.RoleUser, Text: "first"},
		{Role: models.RoleModel, Text: "answer"},
	}
	if len(req.History) != len(want) {
		t.Fatalf("History = %+v", req.History)
	}
	for i := range want {
		if req.History[i] != want[i] {
			t.Errorf("History[%d] = %+v, want %+v", i, req.History[i], want[i])
		}
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(&mockClient{events: []models.StreamEvent{{Text: "ok"}}})

	if err := h.session.Send(context.Background(), "   ", nil); !errors.Is(err, tutor.ErrEmptyMessage) {
		t.Errorf("Send(blank) error = %v, want ErrEmptyMessage", err)
	}

	img := &models.ImageData{MIMEType: "image/png", Base64: "iVBO"}
	if err := h.session.Send(context.Background(), "", img); err != nil {
		t.Fatalf("Send(image only) error = %v", err)
	}
	if req := h.client.lastRequest(); req.Image == nil || req.Image.MIMEType != "image/png" {
		t.Errorf("image not forwarded: %+v", req.Image)
	}
}

func TestBeginRejectsWhileLoading(t *testing.T) {
	h := newHarness(&mockClient{events: []models.StreamEvent{{Text: "ok"}}})

	turn, err := h.session.Begin("one", nil)
	if err != nil {
		t.Fatal(err)
	}
	before := len(h.session.Snapshot().Messages)

	if _, err := h.session.Begin("two", nil); !errors.Is(err, tutor.ErrBusy) {
		t.Errorf("second Begin() error = %v, want ErrBusy", err)
	}
	if got := len(h.session.Snapshot().Messages); got != before {
		t.Errorf("list changed while busy: %d -> %d", before, got)
	}

	if err := turn.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.session.Begin("three", nil); err != nil {
		t.Errorf("Begin() after Run error = %v", err)
	}
}

func TestRunFailureAppendsApology(t *testing.T) {
	client := &mockClient{
		events: []models.StreamEvent{{Text: "Partial"}},
		err:    errors.New("connection reset"),
	}
	h := newHarness(client)

	err := h.session.Send(context.Background(), "explain", nil)
	if !errors.Is(err, stream.ErrStreamFailure) {
		t.Fatalf("Send() error = %v, want ErrStreamFailure", err)
	}

	msgs := h.session.Snapshot().Messages
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[2].Text != "Partial" || msgs[2].IsStreaming {
		t.Errorf("partial reply not kept: %+v", msgs[2])
	}
	if msgs[3].Text != tutor.Apology || msgs[3].Role != models.RoleModel {
		t.Errorf("unexpected last message: %+v", msgs[3])
	}
	if h.session.Snapshot().Loading {
		t.Error("loading not cleared after failure")
	}
}

func TestClearDuringTurnDropsApology(t *testing.T) {
	h := newHarness(&mockClient{err: errors.New("boom")})

	turn, err := h.session.Begin("question", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.session.Clear()
	_ = turn.Run(context.Background())

	msgs := h.session.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].ID != tutor.WelcomeID {
		t.Errorf("list after clear = %+v", msgs)
	}
}

func TestConciseDirective(t *testing.T) {
	client := &mockClient{events: []models.StreamEvent{{Text: "short"}}}
	h := newHarness(client)

	h.session.SetConcise(true)
	if err := h.session.Send(context.Background(), "define mass", nil); err != nil {
		t.Fatal(err)
	}

	got := client.lastRequest().SystemInstruction
	if !strings.HasPrefix(got, testSubject.SystemInstruction) || !strings.HasSuffix(got, tutor.DefaultConciseDirective) {
		t.Errorf("SystemInstruction = %q", got)
	}

	h.session.SetConcise(false)
	if got := h.session.SystemInstruction(); got != testSubject.SystemInstruction {
		t.Errorf("SystemInstruction() = %q after disabling", got)
	}
}

func TestSearch(t *testing.T) {
	client := &mockClient{events: []models.StreamEvent{
		{Text: "Plants use light.", Citations: []models.CitationSource{{Title: "Photosynthesis basics", URL: "https://p"}}},
	}}
	h := newHarness(client)
	if err := h.session.Send(context.Background(), "how do plants eat?", nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"PLANTS", 2},
		{"photosynthesis", 1},
		{"quantum", 0},
	}
	for _, tt := range tests {
		if got := len(h.session.Search(tt.query)); got != tt.want {
			t.Errorf("Search(%q) = %d messages, want %d", tt.query, got, tt.want)
		}
	}

	h.session.Search("plants")
	if snap := h.session.Snapshot(); snap.Query != "plants" || len(snap.Messages) != 2 {
		t.Errorf("snapshot query = %q with %d messages", snap.Query, len(snap.Messages))
	}
	if err := h.session.Send(context.Background(), "more", nil); err != nil {
		t.Fatal(err)
	}
	if q := h.session.Snapshot().Query; q != "" {
		t.Errorf("query = %q after send, want cleared", q)
	}
}

func TestAction(t *testing.T) {
	client := &mockClient{events: []models.StreamEvent{{Text: "ok"}}}
	h := newHarness(client)
	long := strings.Repeat("é", 150)

	if turn, err := h.session.Action(tutor.ActionEdit, "fix this"); err != nil || turn != nil {
		t.Fatalf("Action(edit) = %v, %v", turn, err)
	}
	if got := h.session.Snapshot().Input; got != "fix this" {
		t.Errorf("input = %q, want %q", got, "fix this")
	}

	turn, err := h.session.Action(tutor.ActionSimplify, long)
	if err != nil {
		t.Fatal(err)
	}
	if err := turn.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	prompt := client.lastRequest().Prompt
	if !strings.Contains(prompt, "extremely simple terms") {
		t.Errorf("unexpected prompt %q", prompt)
	}
	if strings.Count(prompt, "é") != 100 {
		t.Errorf("prompt carries %d context runes, want 100", strings.Count(prompt, "é"))
	}

	if _, err := h.session.Action("translate", "x"); !errors.Is(err, tutor.ErrUnknownAction) {
		t.Errorf("Action(unknown) error = %v", err)
	}
}

func TestActionPrompt(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		content string
		want    string
		ok      bool
	}{
		{
			name:    "raw excerpt keeps newlines and quotes",
			kind:    tutor.ActionElaborate,
			content: "Newton said \"F = ma\".\nThen:\tpush",
			want: "Please elaborate on the previous concept with more detailed examples, analogies, and a deeper " +
				"technical breakdown. Context: \"Newton said \"F = ma\".\nThen:\tpush\"...",
			ok: true,
		},
		{
			name:    "visualize",
			kind:    tutor.ActionVisualize,
			content: "cells",
			want: "Please generate a Mermaid.js diagram (Flowchart, Sequence Diagram, or Mind Map) to visualize " +
				"the concept explained in the previous message. Return ONLY the code block and a brief title. " +
				"Context: \"cells\"...",
			ok: true,
		},
		{name: "edit has no prompt", kind: tutor.ActionEdit, content: "x"},
		{name: "unknown", kind: "translate", content: "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tutor.ActionPrompt(tt.kind, tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ActionPrompt() = %q, %v, want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestVoice(t *testing.T) {
	h := newHarness(&mockClient{events: []models.StreamEvent{{Text: "ok"}}})
	h.session.SetInput("Tell me about")

	if err := h.session.ToggleVoice(); err != nil {
		t.Fatal(err)
	}
	if h.session.Snapshot().Voice != voice.Listening {
		t.Fatal("voice not listening")
	}
	if _, err := h.session.ToggleLanguage(); !errors.Is(err, tutor.ErrListening) {
		t.Errorf("ToggleLanguage() while listening error = %v", err)
	}

	h.session.VoiceResult(h.rec.sessions[0], []string{"black ", "holes"})
	if got := h.session.Snapshot().Input; got != "Tell me about black holes" {
		t.Errorf("input = %q", got)
	}

	if err := h.session.Send(context.Background(), "Tell me about black holes", nil); err != nil {
		t.Fatal(err)
	}
	if h.rec.stops != 1 || h.session.Snapshot().Voice != voice.Idle {
		t.Errorf("send did not stop capture: stops=%d", h.rec.stops)
	}

	lang, err := h.session.ToggleLanguage()
	if err != nil || lang != "hi-IN" {
		t.Errorf("ToggleLanguage() = %q, %v", lang, err)
	}
}

func TestVoiceUnsupported(t *testing.T) {
	h := newHarness(&mockClient{})
	h.rec.available = false

	if err := h.session.ToggleVoice(); !errors.Is(err, voice.ErrUnsupportedCapability) {
		t.Errorf("ToggleVoice() error = %v, want ErrUnsupportedCapability", err)
	}
}

func TestPlayOrStopAndClear(t *testing.T) {
	h := newHarness(&mockClient{})
	ctx := context.Background()

	if err := h.session.PlayOrStop(ctx, "missing"); !errors.Is(err, tutor.ErrUnknownMessage) {
		t.Errorf("PlayOrStop(missing) error = %v", err)
	}

	if err := h.session.PlayOrStop(ctx, tutor.WelcomeID); err != nil {
		t.Fatal(err)
	}
	if !h.session.PlaybackState(tutor.WelcomeID).IsPlaying {
		t.Fatal("welcome message not playing")
	}

	h.session.Clear()
	if st := h.session.PlaybackState(tutor.WelcomeID); st != (audio.PlaybackState{}) {
		t.Errorf("state after clear = %+v", st)
	}
	if !h.output.playbacks[0].stopped {
		t.Error("playback not stopped on clear")
	}
}

func TestRenderDiagramCachesPerTheme(t *testing.T) {
	h := newHarness(&mockClient{})
	h.session.SetDarkMode(true)

	res := h.session.RenderDiagram(context.Background(), "graph TD\nA-->B")
	if _, ok := res.(diagram.Success); !ok {
		t.Fatalf("RenderDiagram() = %#v, want Success", res)
	}
	if !h.session.Snapshot().DarkMode {
		t.Error("dark mode not recorded")
	}

	h.session.RenderDiagram(context.Background(), "graph TD\nA-->B")
	if h.engine.calls != 1 {
		t.Errorf("engine called %d times, want 1 for a cached diagram", h.engine.calls)
	}
	h.session.SetDarkMode(false)
	h.session.RenderDiagram(context.Background(), "graph TD\nA-->B")
	if h.engine.calls != 2 {
		t.Errorf("engine called %d times, want 2 after a theme change", h.engine.calls)
	}
}

func TestSetSubjectResets(t *testing.T) {
	h := newHarness(&mockClient{events: []models.StreamEvent{{Text: "ok"}}})
	if err := h.session.Send(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}

	math := models.Subject{ID: "math", Name: "Math", WelcomeMessage: "Let's do math."}
	h.session.SetSubject(math)

	snap := h.session.Snapshot()
	if snap.Subject.ID != "math" || len(snap.Messages) != 1 || snap.Messages[0].Text != "Let's do math." {
		t.Errorf("unexpected snapshot after SetSubject: %+v", snap)
	}
}
