package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MegaGrindStone/cognitutor/internal/models"
	"github.com/MegaGrindStone/cognitutor/internal/tutor"
)

// allow checks the method and the session cookie of r. It writes the error response and reports false when
// either is wrong.
func (m *Main) allow(w http.ResponseWriter, r *http.Request, method string) (*learner, bool) {
	if r.Method != method {
		m.logger.Error("Method not allowed", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	l, ok := m.learner(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return l, true
}

// HandleChat sends the learner's message. The reply is streamed to the browser over SSE; the request returns
// as soon as the turn started.
func (m *Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	text := r.FormValue("message")
	image := l.session.Snapshot().Image
	if v := r.FormValue("image"); v != "" {
		img, ok := models.ParseDataURL(v)
		if !ok {
			http.Error(w, "image must be a base64 data URL", http.StatusBadRequest)
			return
		}
		image = &img
	}

	turn, err := l.session.Begin(text, image)
	if err != nil {
		m.httpError(w, err)
		return
	}
	m.run(turn)
	w.WriteHeader(http.StatusAccepted)
}

// run generates the reply of turn in the background.
func (m *Main) run(turn *tutor.Turn) {
	m.wg.Go(func() {
		if err := turn.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("Turn failed",
				slog.String("replyID", turn.ReplyID()),
				slog.String(errLoggerKey, err.Error()))
		}
	})
}

// HandleAction applies a quick action to a model message.
func (m *Main) HandleAction(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	msg, ok := l.session.Message(r.FormValue("message_id"))
	if !ok {
		m.httpError(w, fmt.Errorf("%w: %s", tutor.ErrUnknownMessage, r.FormValue("message_id")))
		return
	}
	turn, err := l.session.Action(r.FormValue("kind"), msg.Text)
	if err != nil {
		m.httpError(w, err)
		return
	}
	if turn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.run(turn)
	w.WriteHeader(http.StatusAccepted)
}

// HandleInput stores the pending input and image of the composer. An empty image removes the attached one.
func (m *Main) HandleInput(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := r.Form["input"]; ok {
		l.session.SetInput(r.FormValue("input"))
	}
	if _, ok := r.Form["image"]; ok {
		var image *models.ImageData
		if v := r.FormValue("image"); v != "" {
			img, ok := models.ParseDataURL(v)
			if !ok {
				http.Error(w, "image must be a base64 data URL", http.StatusBadRequest)
				return
			}
			image = &img
		}
		l.session.SetImage(image)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear restarts the conversation.
func (m *Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	l.session.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// HandleExport downloads the conversation as markdown.
func (m *Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodGet)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", l.session.ExportFilename(time.Now())))
	if _, err := w.Write([]byte(l.session.Export())); err != nil {
		m.logger.Error("Failed to write export", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSubject switches the persona of the conversation.
func (m *Main) HandleSubject(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	id := r.FormValue("subject")
	for _, s := range m.cfg.Subjects {
		if s.ID == id {
			l.session.SetSubject(s)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, "unknown subject "+id, http.StatusNotFound)
}

// HandleSettings updates concise mode and the theme. The theme is remembered for the account.
func (m *Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}

	if v := r.FormValue("concise"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "concise must be a boolean", http.StatusBadRequest)
			return
		}
		l.session.SetConcise(on)
	}
	if v := r.FormValue("dark"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "dark must be a boolean", http.StatusBadRequest)
			return
		}
		l.session.SetDarkMode(on)
		if err := m.store.SetDarkMode(r.Context(), l.account.Email, on); err != nil {
			m.logger.Warn("Failed to persist theme", slog.String(errLoggerKey, err.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSearch filters the displayed messages by query and highlights its matches.
func (m *Main) HandleSearch(w http.ResponseWriter, r *http.Request) {
	l, ok := m.allow(w, r, http.MethodPost)
	if !ok {
		return
	}
	l.session.Search(r.FormValue("query"))
	m.publishMessages(l)
	w.WriteHeader(http.StatusNoContent)
}
