package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Inbox is an in-process subscriber exposing delivered frames as a stream.
type Inbox struct {
	id     string
	userID string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func NewInbox(userID string, size int) *Inbox {
	if size <= 0 {
		size = 64
	}
	return &Inbox{
		id:     uuid.NewString(),
		userID: userID,
		ch:     make(chan []byte, size),
	}
}

func (i *Inbox) ID() string     { return i.id }
func (i *Inbox) UserID() string { return i.userID }

// Frames is closed when the inbox is closed.
func (i *Inbox) Frames() <-chan []byte { return i.ch }

func (i *Inbox) Send(payload []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrSubscriberClosed
	}
	select {
	case i.ch <- payload:
		return nil
	default:
		i.closed = true
		close(i.ch)
		return ErrSlowSubscriber
	}
}

func (i *Inbox) Close(int, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.ch)
	}
}

// Next blocks for the next frame and decodes it.
func (i *Inbox) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-i.ch:
		if !ok {
			return nil, ErrSubscriberClosed
		}
		return Decode(frame)
	}
}

// Pending decodes every frame already buffered without blocking.
func (i *Inbox) Pending() ([]Event, error) {
	var events []Event
	for {
		select {
		case frame, ok := <-i.ch:
			if !ok {
				return events, nil
			}
			ev, err := Decode(frame)
			if err != nil {
				return events, err
			}
			events = append(events, ev)
		default:
			return events, nil
		}
	}
}
