package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/audio"
	"github.com/MegaGrindStone/cognitutor/internal/tutor"
	"github.com/google/uuid"
)

// browserAudio is the playback output of a learner: clips are encoded as WAV, served from /audio/clip and
// played by the browser on "audio" commands. The browser reports natural ends through /audio/ended.
type browserAudio struct {
	publish func(typ, data string)

	mu      sync.Mutex
	state   audio.OutputState
	clips   map[string][]byte
	clipIDs map[*audio.Buffer]string
	playing *browserPlayback
}

type browserPlayback struct {
	id      string
	out     *browserAudio
	onEnded func()
}

type audioCommand struct {
	Command  string `json:"command"`
	Clip     string `json:"clip,omitempty"`
	Playback string `json:"playback,omitempty"`
}

func newBrowserAudio(publish func(typ, data string)) *browserAudio {
	return &browserAudio{
		publish: publish,
		state:   audio.OutputSuspended,
		clips:   make(map[string][]byte),
		clipIDs: make(map[*audio.Buffer]string),
	}
}

// open is the audio.OutputFactory of the learner's session. Browsers start with a suspended audio context
// until a user gesture resumes it.
func (b *browserAudio) open() (audio.Output, error) {
	b.mu.Lock()
	b.state = audio.OutputSuspended
	b.mu.Unlock()
	return b, nil
}

func (b *browserAudio) State() audio.OutputState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *browserAudio) Resume(context.Context) error {
	b.mu.Lock()
	if b.state == audio.OutputClosed {
		b.mu.Unlock()
		return audio.ErrClosed
	}
	b.state = audio.OutputRunning
	b.mu.Unlock()
	b.send(audioCommand{Command: "resume"})
	return nil
}

func (b *browserAudio) Play(buf *audio.Buffer, onEnded func()) (audio.Playback, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == audio.OutputClosed {
		return nil, audio.ErrClosed
	}

	clipID, ok := b.clipIDs[buf]
	if !ok {
		wav, err := audio.EncodeWAV(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to encode clip: %w", err)
		}
		clipID = uuid.NewString()
		b.clips[clipID] = wav
		b.clipIDs[buf] = clipID
	}

	pb := &browserPlayback{id: uuid.NewString(), out: b, onEnded: onEnded}
	b.playing = pb
	b.send(audioCommand{Command: "play", Clip: "/audio/clip/" + clipID, Playback: pb.id})
	return pb, nil
}

func (b *browserAudio) Close() error {
	b.mu.Lock()
	b.state = audio.OutputClosed
	b.playing = nil
	b.clips = make(map[string][]byte)
	b.clipIDs = make(map[*audio.Buffer]string)
	b.mu.Unlock()
	b.send(audioCommand{Command: "close"})
	return nil
}

func (p *browserPlayback) Stop() {
	p.out.mu.Lock()
	if p.out.playing == p {
		p.out.playing = nil
	}
	p.out.mu.Unlock()
	p.out.send(audioCommand{Command: "stop", Playback: p.id})
}

// ended handles the browser reporting that a playback finished. Reports for stopped or replaced playbacks
// are ignored.
func (b *browserAudio) ended(playbackID string) {
	b.mu.Lock()
	pb := b.playing
	if pb == nil || pb.id != playbackID {
		b.mu.Unlock()
		return
	}
	b.playing = nil
	b.mu.Unlock()
	pb.onEnded()
}

func (b *browserAudio) clip(id string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wav, ok := b.clips[id]
	return wav, ok
}

func (b *browserAudio) send(cmd audioCommand) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	b.publish(audioSSEType, string(data))
}

// HandleAudioPlay toggles speech playback of a message. Synthesis runs in the background; the playback state
// is pushed with the message.
func (m *Main) HandleAudioPlay(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	id := r.FormValue("message_id")
	if _, ok := l.session.Message(id); !ok {
		m.httpError(w, fmt.Errorf("%w: %s", tutor.ErrUnknownMessage, id))
		return
	}
	m.wg.Go(func() {
		err := l.session.PlayOrStop(m.ctx, id)
		if err != nil && !errors.Is(err, audio.ErrClosed) {
			m.logger.Debug("Playback failed", slog.String("messageID", id), slog.String(errLoggerKey, err.Error()))
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

// HandleAudioEnded receives the browser reporting that a clip played to the end.
func (m *Main) HandleAudioEnded(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	l.audio.ended(r.FormValue("playback"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleAudioClip serves an encoded clip of the learner's session.
func (m *Main) HandleAudioClip(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodGet)
	if !ok {
		return
	}
	id := r.PathValue("id")
	wav, ok := l.audio.clip(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, id+".wav", time.Time{}, bytes.NewReader(wav))
}
