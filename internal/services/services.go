// Package services holds the clients of everything outside the process: the model APIs that stream tutor
// replies, the speech synthesizers, the diagram rendering engine and the local account store.
package services

const errLoggerKey = "err"
