package engine

import "github.com/datallboy/gowish/internal/domain"

// Listener observes downloads. Progress is called on the worker goroutine and
// must not block.
type Listener interface {
	Progress(id string, p domain.Progress)
	Done(id string, completed bool, deliveries []domain.Delivery)
}

type ProgressEvent struct {
	ID       string
	Progress domain.Progress
}

type DoneEvent struct {
	ID         string
	Completed  bool
	Deliveries []domain.Delivery
}

// ChannelListener forwards events to channels. Progress events are dropped
// while the buffer is full; Done events are not.
type ChannelListener struct {
	progress chan ProgressEvent
	done     chan DoneEvent
}

func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{
		progress: make(chan ProgressEvent, buffer),
		done:     make(chan DoneEvent, buffer),
	}
}

func (c *ChannelListener) Progress(id string, p domain.Progress) {
	select {
	case c.progress <- ProgressEvent{ID: id, Progress: p}:
	default:
	}
}

func (c *ChannelListener) Done(id string, completed bool, deliveries []domain.Delivery) {
	c.done <- DoneEvent{ID: id, Completed: completed, Deliveries: deliveries}
}

func (c *ChannelListener) Updates() <-chan ProgressEvent { return c.progress }

func (c *ChannelListener) Finished() <-chan DoneEvent { return c.done }

// Listeners fans events out to several listeners.
type Listeners []Listener

func (ls Listeners) Progress(id string, p domain.Progress) {
	for _, l := range ls {
		l.Progress(id, p)
	}
}

func (ls Listeners) Done(id string, completed bool, deliveries []domain.Delivery) {
	for _, l := range ls {
		l.Done(id, completed, deliveries)
	}
}
