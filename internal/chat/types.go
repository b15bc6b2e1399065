package chat

import "github.com/google/uuid"

// ConnectionID identifies one accepted connection for the lifetime of the process.
type ConnectionID uuid.UUID

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

func (id ConnectionID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText keeps the canonical form in JSON logs.
func (id ConnectionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// Message is one relayed line, without its delimiter.
type Message string

const DefaultGreeting = "LOGIN"

var (
	ErrMailboxFull     = errorString("mailbox_full")
	ErrMailboxClosed   = errorString("mailbox_closed")
	ErrRegistryStopped = errorString("registry_stopped")
	ErrLineTooLong     = errorString("line_too_long")
)

type errorString string

func (e errorString) Error() string { return string(e) }
