package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/MegaGrindStone/cognitutor/internal/voice"
)

// browserRecognizer drives the speech recognition of the learner's browser. Commands go out as "voice"
// events; results come back through the /voice routes.
type browserRecognizer struct {
	publish func(typ, data string)

	mu        sync.Mutex
	available bool
}

type voiceCommand struct {
	Command  string `json:"command"`
	Language string `json:"language,omitempty"`
	// Session is echoed back by the browser with every result, error and end of that capture.
	Session uint64 `json:"session,omitempty"`
}

const unsupportedVoiceBanner = "Voice input is not supported in this browser. Try Chrome or Edge."

func newBrowserRecognizer(publish func(typ, data string)) *browserRecognizer {
	return &browserRecognizer{publish: publish}
}

// Available reports what the browser last said about its speech recognition support.
func (b *browserRecognizer) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

func (b *browserRecognizer) setAvailable(on bool) {
	b.mu.Lock()
	b.available = on
	b.mu.Unlock()
}

func (b *browserRecognizer) Start(lang string, session uint64) error {
	return b.send(voiceCommand{Command: "start", Language: lang, Session: session})
}

func (b *browserRecognizer) Stop() {
	// A lost stop is covered by the browser's own end of capture.
	_ = b.send(voiceCommand{Command: "stop"})
}

func (b *browserRecognizer) send(cmd voiceCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	b.publish(voiceSSEType, string(data))
	return nil
}

// HandleVoiceCapability records whether the browser supports speech recognition.
func (m *Main) HandleVoiceCapability(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	supported, err := strconv.ParseBool(r.FormValue("supported"))
	if err != nil {
		http.Error(w, "supported must be a boolean", http.StatusBadRequest)
		return
	}
	l.voice.setAvailable(supported)
	w.WriteHeader(http.StatusNoContent)
}

// HandleVoiceToggle starts or stops voice capture.
func (m *Main) HandleVoiceToggle(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	if err := l.session.ToggleVoice(); err != nil {
		if errors.Is(err, voice.ErrUnsupportedCapability) {
			m.publish(l, bannerSSEType, unsupportedVoiceBanner)
		}
		m.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVoiceLanguage switches the recognition language.
func (m *Main) HandleVoiceLanguage(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	if _, err := l.session.ToggleLanguage(); err != nil {
		m.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVoiceResult receives the transcript segments of the running capture, one "segment" value each.
func (m *Main) HandleVoiceResult(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	session, ok := voiceSession(w, r)
	if !ok {
		return
	}
	l.session.VoiceResult(session, r.PostForm["segment"])
	w.WriteHeader(http.StatusNoContent)
}

// HandleVoiceError receives a recognition error from the browser.
func (m *Main) HandleVoiceError(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	session, ok := voiceSession(w, r)
	if !ok {
		return
	}
	msg := r.FormValue("error")
	if msg == "" {
		msg = "unknown"
	}
	l.session.VoiceError(session, errors.New(msg))
	w.WriteHeader(http.StatusNoContent)
}

// HandleVoiceEnd receives the browser reporting that capture ended.
func (m *Main) HandleVoiceEnd(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	session, ok := voiceSession(w, r)
	if !ok {
		return
	}
	l.session.VoiceEnded(session)
	w.WriteHeader(http.StatusNoContent)
}

// voiceSession reads the capture session a browser callback belongs to.
func voiceSession(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	session, err := strconv.ParseUint(r.FormValue("session"), 10, 64)
	if err != nil {
		http.Error(w, "session must be an unsigned integer", http.StatusBadRequest)
		return 0, false
	}
	return session, true
}
