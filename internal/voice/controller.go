// Package voice drives a speech-to-text capture session: it composes the running transcript onto the text
// that was already typed when capture started, and stops capture on its own after a period of silence.
//
// The controller has exactly two states, Idle and Listening. Recognition callbacks, timer expirations and
// user stops may race each other; every transition out of Listening is idempotent and callbacks that belong
// to an earlier session are dropped.
package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"golang.org/x/text/language"
)

// Recognizer is the speech capture capability the controller drives.
type Recognizer interface {
	// Available reports whether speech capture is supported by the host.
	Available() bool
	// Start begins continuous capture with interim results in the given language. Every callback produced
	// by the capture must carry session back to the controller.
	Start(lang string, session uint64) error
	// Stop ends capture. It may be called when capture already ended.
	Stop()
}

// State is the capture state.
type State int

const (
	// Idle means no capture session is active.
	Idle State = iota
	// Listening means a capture session is active.
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Stop reasons, used for logging and metrics.
const (
	ReasonUser    = "user"
	ReasonSilence = "silence"
	ReasonError   = "error"
	ReasonEnded   = "ended"
)

var (
	// ErrUnsupportedCapability is returned by Start when the host has no speech capture support.
	ErrUnsupportedCapability = errors.New("speech capture is not supported")
	// ErrListening is returned when an operation requires the Idle state.
	ErrListening = errors.New("voice capture is active")
)

// Config tunes the controller.
type Config struct {
	// InitialGrace is the silence allowed after capture starts, before the first transcript.
	InitialGrace time.Duration
	// SpeechGap is the silence allowed after a transcript arrived.
	SpeechGap time.Duration
	// Languages holds the two recognition languages the controller toggles between. The first one is
	// active initially.
	Languages [2]language.Tag
}

// DefaultConfig returns the settings the tutor ships with.
func DefaultConfig() Config {
	return Config{
		InitialGrace: 5 * time.Second,
		SpeechGap:    2500 * time.Millisecond,
		Languages:    [2]language.Tag{language.MustParse("en-US"), language.MustParse("hi-IN")},
	}
}

// Controller is the capture state machine. Its zero value is not usable; use NewController.
type Controller struct {
	rec     Recognizer
	clock   Clock
	cfg     Config
	onInput func(string)
	onState func(State)
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	langIdx  int
	baseText string
	// gen identifies the current session; timers and callbacks carrying an older value are stale.
	gen   uint64
	timer Timer
}

// Options carries the callbacks and collaborators of a Controller.
type Options struct {
	// OnInput receives the recomputed input value after every transcript.
	OnInput func(string)
	// OnState receives every state transition.
	OnState func(State)
	Clock   Clock
	Metrics *metrics.Metrics
}

const errLoggerKey = "err"

// NewController creates an Idle controller over rec.
func NewController(rec Recognizer, cfg Config, opts Options, logger *slog.Logger) *Controller {
	c := &Controller{
		rec:     rec,
		clock:   opts.Clock,
		cfg:     cfg,
		onInput: opts.OnInput,
		onState: opts.OnState,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("module", "voice")),
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.onInput == nil {
		c.onInput = func(string) {}
	}
	if c.onState == nil {
		c.onState = func(State) {}
	}
	return c
}

// State returns the current capture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Language returns the active recognition language tag.
func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Languages[c.langIdx].String()
}

// ToggleLanguage flips between the two configured languages. It is only permitted while Idle.
func (c *Controller) ToggleLanguage() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Listening {
		return "", ErrListening
	}
	c.langIdx = 1 - c.langIdx
	return c.cfg.Languages[c.langIdx].String(), nil
}

// Start moves Idle to Listening. currentInput becomes the base text that transcripts are appended to.
// Starting while already Listening is a no-op.
func (c *Controller) Start(currentInput string) error {
	c.mu.Lock()
	if c.state == Listening {
		c.mu.Unlock()
		return nil
	}
	if c.rec == nil || !c.rec.Available() {
		c.mu.Unlock()
		return ErrUnsupportedCapability
	}

	lang := c.cfg.Languages[c.langIdx].String()
	gen := c.gen + 1
	if err := c.rec.Start(lang, gen); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	c.gen = gen
	c.baseText = currentInput
	c.state = Listening
	c.armLocked(c.cfg.InitialGrace)
	c.mu.Unlock()

	c.logger.Debug("Capture started", slog.String("lang", lang), slog.Uint64("session", gen))
	c.onState(Listening)
	return nil
}

// Session returns the identifier of the latest capture session, zero if none was started.
func (c *Controller) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Result handles a transcript event of the given session. segments is every result segment of the session
// so far; interim segments are re-sent in full by the recognizer, so the transcript is rebuilt rather than
// appended. Results arriving while Idle or for an earlier session are ignored.
func (c *Controller) Result(session uint64, segments []string) {
	c.mu.Lock()
	if c.state != Listening || session != c.gen {
		c.mu.Unlock()
		return
	}
	c.armLocked(c.cfg.SpeechGap)
	value := Compose(c.baseText, strings.Join(segments, ""))
	c.mu.Unlock()

	c.onInput(value)
}

// Error handles a capture error of the given session. It is logged and treated like a stop.
func (c *Controller) Error(session uint64, err error) {
	c.logger.Warn("Speech capture error", slog.String(errLoggerKey, err.Error()), slog.Uint64("session", session))
	c.stop(ReasonError, c.isCurrent(session))
}

// Ended handles the recognizer reporting that capture of the given session ended on its own.
func (c *Controller) Ended(session uint64) {
	c.stop(ReasonEnded, c.isCurrent(session))
}

// Stop is the explicit user stop. It is idempotent.
func (c *Controller) Stop() {
	c.stop(ReasonUser, nil)
}

// stop moves Listening to Idle. When current is set, the transition only happens if it reports true while
// the lock is held.
func (c *Controller) stop(reason string, current func() bool) {
	c.mu.Lock()
	if c.state == Idle || (current != nil && !current()) {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.state = Idle
	c.mu.Unlock()

	// The recognizer may report the end synchronously; the lock must not be held here.
	c.rec.Stop()
	c.metrics.VoiceSession(reason)
	c.logger.Debug("Capture stopped", slog.String("reason", reason))
	c.onState(Idle)
}

func (c *Controller) armLocked(d time.Duration) {
	c.cancelLocked()
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() { c.silence(gen) })
}

func (c *Controller) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) silence(gen uint64) {
	c.stop(ReasonSilence, c.isCurrent(gen))
}

// isCurrent returns a check for stop that reports whether gen is still the latest session.
func (c *Controller) isCurrent(gen uint64) func() bool {
	return func() bool { return gen == c.gen }
}

// Compose joins the base text and the transcript. A single space is inserted only when the base is
// non-empty, does not already end in whitespace and the transcript is non-empty.
func Compose(base, transcript string) string {
	if base == "" || transcript == "" {
		return base + transcript
	}
	last, _ := utf8.DecodeLastRuneInString(base)
	if unicode.IsSpace(last) {
		return base + transcript
	}
	return base + " " + transcript
}
