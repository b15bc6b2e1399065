package chat

import (
	"context"
	"sync"
)

const defaultMailboxSize = 32

// Mailbox is a bounded outbound queue for a single connection.
// Any number of goroutines may Send; only the owning session's write loop
// calls Receive. When the buffer is full the newest message is rejected.
type Mailbox struct {
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &Mailbox{
		out:  make(chan Message, size),
		done: make(chan struct{}),
	}
}

// Send enqueues msg without blocking.
func (m *Mailbox) Send(msg Message) error {
	select {
	case <-m.done:
		return ErrMailboxClosed
	default:
	}

	select {
	case m.out <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is queued, the mailbox is closed, or ctx ends.
// Messages still buffered at Close are not delivered.
func (m *Mailbox) Receive(ctx context.Context) (Message, error) {
	select {
	case <-m.done:
		return "", ErrMailboxClosed
	default:
	}

	select {
	case msg := <-m.out:
		return msg, nil
	case <-m.done:
		return "", ErrMailboxClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close is safe to call more than once. The out channel is never closed so a
// racing Send cannot panic.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Mailbox) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Mailbox) Len() int {
	return len(m.out)
}
