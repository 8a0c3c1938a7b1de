package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/cognitutor/internal/models"
)

// HandleLogin signs a learner in with email and password.
func (m *Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email := r.FormValue("email")
	acc, err := m.store.Authenticate(r.Context(), email, r.FormValue("password"))
	if err != nil {
		m.authFailed(w, "login", email, err)
		return
	}
	m.startSession(w, r, acc)
}

// HandleSignup creates an account and signs the learner in.
func (m *Main) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	email := r.FormValue("email")
	password := r.FormValue("password")
	if name == "" || strings.TrimSpace(email) == "" || password == "" {
		m.renderLogin(w, http.StatusBadRequest, loginPageData{
			Mode:  "signup",
			Email: email,
			Error: "Name, email and password are required",
		})
		return
	}

	acc, err := m.store.AddAccount(r.Context(), name, email, password)
	if err != nil {
		m.authFailed(w, "signup", email, err)
		return
	}
	m.startSession(w, r, acc)
}

// HandleReset sets a new password for an existing account and signs the learner in.
func (m *Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email := r.FormValue("email")
	password := r.FormValue("password")
	if password == "" {
		m.renderLogin(w, http.StatusBadRequest, loginPageData{Mode: "reset", Email: email, Error: "Password is required"})
		return
	}

	acc, err := m.store.ResetPassword(r.Context(), email, password)
	if err != nil {
		m.authFailed(w, "reset", email, err)
		return
	}
	m.startSession(w, r, acc)
}

// HandleLogout ends the learner's session.
func (m *Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if l, ok := m.learner(r); ok {
		m.signOut(l)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (m *Main) startSession(w http.ResponseWriter, r *http.Request, acc models.Account) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    m.signIn(acc),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (m *Main) authFailed(w http.ResponseWriter, mode, email string, err error) {
	data := loginPageData{Mode: mode, Email: email}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidCredentials):
		status = http.StatusUnauthorized
		data.Error = "Invalid email or password"
	case errors.Is(err, models.ErrAccountExists):
		status = http.StatusConflict
		data.Error = "An account with this email already exists"
	case errors.Is(err, models.ErrAccountNotFound):
		status = http.StatusNotFound
		data.Error = "No account found with this email"
	default:
		m.logger.Error("Failed to authenticate",
			slog.String("mode", mode),
			slog.String(errLoggerKey, err.Error()))
		data.Error = "Something went wrong, please try again"
	}
	m.renderLogin(w, status, data)
}
