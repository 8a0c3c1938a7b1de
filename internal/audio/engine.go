package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/cognitutor/internal/metrics"
)

// Synthesizer produces speech for a text. It returns the base64 payload, or "" when there is no data.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// OutputState is the power state of a playback output.
type OutputState int

const (
	// OutputRunning means buffers can be played immediately.
	OutputRunning OutputState = iota
	// OutputSuspended means the output must be resumed before it plays.
	OutputSuspended
	// OutputClosed means the output was released.
	OutputClosed
)

// Output is a playback context. One output is shared by every message of an Engine.
type Output interface {
	State() OutputState
	Resume(ctx context.Context) error
	// Play starts b from the beginning. onEnded runs once, after Play returned, when playback completes
	// naturally; it does not run after the returned Playback was stopped.
	Play(b *Buffer, onEnded func()) (Playback, error)
	Close() error
}

// Playback is one active playing source.
type Playback interface {
	Stop()
}

// OutputFactory creates the playback output on first use.
type OutputFactory func() (Output, error)

// PlaybackState is the per-message playback status shown next to a message.
type PlaybackState struct {
	IsPlaying bool
	IsLoading bool
	// LastError is set after a failed fetch or decode; the next play retries from scratch.
	LastError bool
}

// ErrClosed is returned when the engine was torn down while a play request was in progress.
var ErrClosed = errors.New("audio engine closed")

// Engine plays synthesized speech for chat messages.
type Engine struct {
	newOutput OutputFactory
	synth     Synthesizer
	onState   func(messageID string, state PlaybackState)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	out     Output
	buffers map[string]*Buffer
	states  map[string]PlaybackState
	current Playback
	// currentID is the message whose buffer is playing, "" when nothing plays.
	currentID string
	// loads holds the token of the play request in flight per message. Forget drops it, which tells the
	// request to discard what it fetched.
	loads   map[string]uint64
	loadSeq uint64
	closed  bool
}

const errLoggerKey = "err"

// NewEngine creates an Engine. onState may be nil.
func NewEngine(
	newOutput OutputFactory,
	synth Synthesizer,
	onState func(messageID string, state PlaybackState),
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if onState == nil {
		onState = func(string, PlaybackState) {}
	}
	return &Engine{
		newOutput: newOutput,
		synth:     synth,
		onState:   onState,
		metrics:   m,
		logger:    logger.With(slog.String("module", "audio")),
		buffers:   make(map[string]*Buffer),
		states:    make(map[string]PlaybackState),
		loads:     make(map[string]uint64),
	}
}

// State returns the playback status of a message.
func (e *Engine) State(messageID string) PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[messageID]
}

// PlayOrStop toggles speech playback for a message. If the message is playing it is stopped. Otherwise the
// decoded buffer is fetched and cached on first use and played from the start, stopping whatever else was
// playing. Failures are recorded in the message's PlaybackState and returned.
func (e *Engine) PlayOrStop(ctx context.Context, messageID, text string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	st := e.states[messageID]
	if st.IsPlaying {
		e.stopLocked()
		e.mu.Unlock()
		e.notify(messageID)
		return nil
	}
	if st.IsLoading {
		e.mu.Unlock()
		return nil
	}
	// Loading is set before the lock is released so a second request for the same message is ignored.
	e.setLocked(messageID, PlaybackState{IsLoading: e.buffers[messageID] == nil})
	e.loadSeq++
	token := e.loadSeq
	e.loads[messageID] = token
	e.mu.Unlock()
	e.notify(messageID)

	err := e.play(ctx, messageID, text, token)

	e.mu.Lock()
	live := e.loads[messageID] == token
	if live {
		delete(e.loads, messageID)
		if err != nil && !errors.Is(err, ErrClosed) {
			e.setLocked(messageID, PlaybackState{LastError: true})
		}
	}
	e.mu.Unlock()

	if !live {
		e.logger.Debug("Discarded audio of a forgotten message", slog.String("messageID", messageID))
		return nil
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Error("Error playing audio",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	e.notify(messageID)
	return err
}

// errForgotten stops a play request whose message was forgotten while its audio loaded.
var errForgotten = errors.New("message forgotten")

func (e *Engine) play(ctx context.Context, messageID, text string, token uint64) error {
	out, err := e.output(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	buf := e.buffers[messageID]
	e.mu.Unlock()

	if buf == nil {
		buf, err = e.fetch(ctx, text)
		if err != nil {
			e.metrics.AudioDecode(metrics.OutcomeFailure)
			return err
		}
		e.metrics.AudioDecode(metrics.OutcomeSuccess)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.loads[messageID] != token {
		e.mu.Unlock()
		return errForgotten
	}
	e.buffers[messageID] = buf
	prev := e.currentID
	e.stopLocked()

	var pb Playback
	pb, err = out.Play(buf, func() { e.ended(messageID, &pb) })
	if err == nil {
		e.current = pb
		e.currentID = messageID
		e.setLocked(messageID, PlaybackState{IsPlaying: true})
	}
	e.mu.Unlock()

	if prev != "" && prev != messageID {
		e.notify(prev)
	}
	if err != nil {
		return fmt.Errorf("failed to start playback: %w", err)
	}
	return nil
}

// output lazily creates the shared output and resumes it when suspended.
func (e *Engine) output(ctx context.Context) (Output, error) {
	e.mu.Lock()
	out := e.out
	if out == nil {
		var err error
		out, err = e.newOutput()
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("failed to create playback output: %w", err)
		}
		e.out = out
	}
	e.mu.Unlock()

	if out.State() == OutputSuspended {
		if err := out.Resume(ctx); err != nil {
			return nil, fmt.Errorf("failed to resume playback output: %w", err)
		}
	}
	return out, nil
}

func (e *Engine) fetch(ctx context.Context, text string) (*Buffer, error) {
	payload, err := e.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	if payload == "" {
		return nil, ErrNoAudioData
	}
	return DecodeBase64PCM16(payload)
}

func (e *Engine) ended(messageID string, pb *Playback) {
	e.mu.Lock()
	if e.current == nil || e.current != *pb {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.currentID = ""
	e.setLocked(messageID, PlaybackState{})
	e.mu.Unlock()
	e.notify(messageID)
}

// stopLocked stops the active playback, if any, and clears its playing flag.
func (e *Engine) stopLocked() {
	if e.current == nil {
		return
	}
	e.current.Stop()
	if e.currentID != "" {
		st := e.states[e.currentID]
		st.IsPlaying = false
		e.states[e.currentID] = st
	}
	e.current = nil
	e.currentID = ""
}

func (e *Engine) setLocked(messageID string, st PlaybackState) {
	if st == (PlaybackState{}) {
		delete(e.states, messageID)
		return
	}
	e.states[messageID] = st
}

func (e *Engine) notify(messageID string) {
	e.onState(messageID, e.State(messageID))
}

// Forget drops the cached buffer of a destroyed message, stopping it if it is playing. A play request still
// loading the message's audio neither caches nor plays it.
func (e *Engine) Forget(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentID == messageID {
		e.stopLocked()
	}
	delete(e.buffers, messageID)
	delete(e.states, messageID)
	delete(e.loads, messageID)
}

// Close stops active playback and releases the output. Play requests still in flight return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.stopLocked()
	e.buffers = make(map[string]*Buffer)
	if e.out == nil || e.out.State() == OutputClosed {
		return nil
	}
	return e.out.Close()
}
