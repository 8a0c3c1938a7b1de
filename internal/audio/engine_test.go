package audio_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/MegaGrindStone/cognitutor/internal/audio"
)

type mockSynth struct {
	mu      sync.Mutex
	payload string
	err     error
	calls   int
	// block, when set, is waited on before returning.
	block chan struct{}
}

func (m *mockSynth) Synthesize(context.Context, string) (string, error) {
	m.mu.Lock()
	m.calls++
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload, m.err
}

type fakePlayback struct {
	stopped bool
}

func (p *fakePlayback) Stop() { p.stopped = true }

type fakeOutput struct {
	state   audio.OutputState
	resumes int
	played  []*audio.Buffer
	ends    []func()
	pbs     []*fakePlayback
	closed  bool
}

func (o *fakeOutput) State() audio.OutputState { return o.state }

func (o *fakeOutput) Resume(context.Context) error {
	o.resumes++
	o.state = audio.OutputRunning
	return nil
}

func (o *fakeOutput) Play(b *audio.Buffer, onEnded func()) (audio.Playback, error) {
	o.played = append(o.played, b)
	o.ends = append(o.ends, onEnded)
	pb := &fakePlayback{}
	o.pbs = append(o.pbs, pb)
	return pb, nil
}

func (o *fakeOutput) Close() error {
	o.closed = true
	o.state = audio.OutputClosed
	return nil
}

type engineHarness struct {
	synth   *mockSynth
	out     *fakeOutput
	creates int
	engine  *audio.Engine
}

func newEngine(t *testing.T, payload string) *engineHarness {
	t.Helper()
	h := &engineHarness{
		synth: &mockSynth{payload: payload},
		out:   &fakeOutput{state: audio.OutputSuspended},
	}
	h.engine = audio.NewEngine(func() (audio.Output, error) {
		h.creates++
		return h.out, nil
	}, h.synth, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func speech() string {
	return base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xc0, 0x01})
}

func TestPlayFetchesOnceAndReplaysCache(t *testing.T) {
	h := newEngine(t, speech())
	ctx := context.Background()

	if err := h.engine.PlayOrStop(ctx, "m1", "hello"); err != nil {
		t.Fatalf("PlayOrStop() error = %v", err)
	}
	if !h.engine.State("m1").IsPlaying {
		t.Fatal("message should be playing")
	}
	if h.out.resumes != 1 {
		t.Errorf("resumes = %d, want 1", h.out.resumes)
	}

	// Natural completion clears the playing flag.
	h.out.ends[0]()
	if h.engine.State("m1").IsPlaying {
		t.Fatal("playing flag should be cleared on completion")
	}

	if err := h.engine.PlayOrStop(ctx, "m1", "hello"); err != nil {
		t.Fatal(err)
	}
	if h.synth.calls != 1 {
		t.Errorf("synthesizer calls = %d, want 1", h.synth.calls)
	}
	if h.creates != 1 {
		t.Errorf("outputs created = %d, want 1", h.creates)
	}
	if len(h.out.played) != 2 || h.out.played[0] != h.out.played[1] {
		t.Error("replay should reuse the cached buffer")
	}
	if got := len(h.out.played[0].Samples); got != 2 {
		t.Errorf("decoded samples = %d, want 2", got)
	}
}

func TestPlayWhilePlayingStops(t *testing.T) {
	h := newEngine(t, speech())
	ctx := context.Background()

	if err := h.engine.PlayOrStop(ctx, "m1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.PlayOrStop(ctx, "m1", "hello"); err != nil {
		t.Fatal(err)
	}
	if !h.out.pbs[0].stopped {
		t.Error("playback should be stopped")
	}
	if h.engine.State("m1").IsPlaying {
		t.Error("message should not be playing")
	}
	if len(h.out.played) != 1 {
		t.Errorf("played %d times, want 1", len(h.out.played))
	}

	// A completion callback of a stopped playback is ignored.
	h.out.ends[0]()
	if h.engine.State("m1") != (audio.PlaybackState{}) {
		t.Errorf("state = %+v", h.engine.State("m1"))
	}
}

func TestPlayOtherMessageStopsCurrent(t *testing.T) {
	h := newEngine(t, speech())
	ctx := context.Background()

	_ = h.engine.PlayOrStop(ctx, "m1", "one")
	_ = h.engine.PlayOrStop(ctx, "m2", "two")

	if !h.out.pbs[0].stopped {
		t.Error("first playback should be stopped")
	}
	if h.engine.State("m1").IsPlaying || !h.engine.State("m2").IsPlaying {
		t.Errorf("states m1=%+v m2=%+v", h.engine.State("m1"), h.engine.State("m2"))
	}
}

func TestFailuresAreNotCached(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		err     error
		wantErr error
	}{
		{name: "empty payload", payload: "", wantErr: audio.ErrNoAudioData},
		{name: "bad payload", payload: "%%%", wantErr: audio.ErrDecode},
		{name: "synth error", err: errors.New("quota"), wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEngine(t, tt.payload)
			h.synth.err = tt.err
			ctx := context.Background()

			err := h.engine.PlayOrStop(ctx, "m1", "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			st := h.engine.State("m1")
			if !st.LastError || st.IsLoading || st.IsPlaying {
				t.Errorf("state = %+v, want only LastError", st)
			}

			h.synth.payload, h.synth.err = speech(), nil
			if err := h.engine.PlayOrStop(ctx, "m1", "hello"); err != nil {
				t.Fatalf("retry error = %v", err)
			}
			if h.synth.calls != 2 {
				t.Errorf("synthesizer calls = %d, want 2", h.synth.calls)
			}
			if st := h.engine.State("m1"); st.LastError || !st.IsPlaying {
				t.Errorf("state after retry = %+v", st)
			}
		})
	}
}

func TestCloseDuringFetch(t *testing.T) {
	h := newEngine(t, speech())
	h.synth.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.engine.PlayOrStop(context.Background(), "m1", "hello") }()

	for {
		h.synth.mu.Lock()
		calls := h.synth.calls
		h.synth.mu.Unlock()
		if calls == 1 {
			break
		}
	}
	if !h.engine.State("m1").IsLoading {
		t.Error("message should be loading")
	}
	if err := h.engine.Close(); err != nil {
		t.Fatal(err)
	}
	close(h.synth.block)

	if err := <-done; !errors.Is(err, audio.ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	if len(h.out.played) != 0 {
		t.Error("nothing should play after teardown")
	}
	if !h.out.closed {
		t.Error("output should be closed")
	}
}

func TestForgetDuringFetch(t *testing.T) {
	h := newEngine(t, speech())
	h.synth.block = make(chan struct{})
	var notified []string
	h.engine = audio.NewEngine(func() (audio.Output, error) {
		h.creates++
		return h.out, nil
	}, h.synth, func(id string, _ audio.PlaybackState) { notified = append(notified, id) }, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- h.engine.PlayOrStop(context.Background(), "m1", "hello") }()

	for {
		h.synth.mu.Lock()
		calls := h.synth.calls
		h.synth.mu.Unlock()
		if calls == 1 {
			break
		}
	}
	h.engine.Forget("m1")
	close(h.synth.block)

	if err := <-done; err != nil {
		t.Errorf("error = %v, want nil", err)
	}
	if len(h.out.played) != 0 {
		t.Errorf("plays = %d, want 0", len(h.out.played))
	}
	if st := h.engine.State("m1"); st != (audio.PlaybackState{}) {
		t.Errorf("state = %+v, want zero", st)
	}
	if len(notified) != 1 {
		t.Errorf("notifications = %v, want only the loading one", notified)
	}

	// Nothing was cached, so a new request fetches again.
	h.synth.mu.Lock()
	h.synth.block = nil
	h.synth.mu.Unlock()
	if err := h.engine.PlayOrStop(context.Background(), "m1", "hello"); err != nil {
		t.Fatal(err)
	}
	if h.synth.calls != 2 || len(h.out.played) != 1 {
		t.Errorf("synthesizer calls = %d, plays = %d, want 2 and 1", h.synth.calls, len(h.out.played))
	}
}

func TestForgetDropsCache(t *testing.T) {
	h := newEngine(t, speech())
	ctx := context.Background()

	_ = h.engine.PlayOrStop(ctx, "m1", "hello")
	h.engine.Forget("m1")
	if !h.out.pbs[0].stopped {
		t.Error("forgotten message should stop playing")
	}
	_ = h.engine.PlayOrStop(ctx, "m1", "hello")
	if h.synth.calls != 2 {
		t.Errorf("synthesizer calls = %d, want 2", h.synth.calls)
	}
}
