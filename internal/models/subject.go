package models

import "errors"

// Subject is a tutoring persona: a display identity, the instruction text handed to the model and the
// greeting that opens every conversation.
type Subject struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Color             string `yaml:"color"`
	SystemInstruction string `yaml:"systemInstruction"`
	WelcomeMessage    string `yaml:"welcomeMessage"`
}

// Account is a learner registered through the local sign-in simulation.
type Account struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash []byte `json:"passwordHash"`
	DarkMode     bool   `json:"darkMode"`
}

var (
	// ErrAccountExists is returned when signing up with an email that is already registered.
	ErrAccountExists = errors.New("an account with this email already exists")
	// ErrAccountNotFound is returned when no account matches the email.
	ErrAccountNotFound = errors.New("no account found with this email")
	// ErrInvalidCredentials is returned on an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)
