// Package notify delivers audit notifications outside the request path.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sink delivers a message.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// LogSink writes messages to the log. It is used when no SMTP relay is set.
type LogSink struct{}

func (LogSink) Send(_ context.Context, msg Message) error {
	log.Info().Strs("to", msg.To).Str("subject", msg.Subject).Msg("notification")
	return nil
}

// Dispatcher hands messages to a Sink from a background worker. Failures are
// logged and never reach the caller.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	queue   chan Message
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDispatcher starts a worker draining a queue of the given size.
func NewDispatcher(sink Sink, size int) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		timeout: 30 * time.Second,
		queue:   make(chan Message, size),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("notification delivery failed")
		}
		cancel()
	}
}

// Enqueue schedules msg. A full queue drops the message.
func (d *Dispatcher) Enqueue(msg Message) {
	if len(msg.To) == 0 {
		return
	}
	select {
	case d.queue <- msg:
	default:
		log.Warn().Str("subject", msg.Subject).Msg("notification queue full, dropping message")
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}
