package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/notify"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recordingSink) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := notify.NewDispatcher(sink, 8)

	d.Enqueue(notify.Message{To: []string{"ops@example.com"}, Subject: "one"})
	d.Enqueue(notify.Message{Subject: "no recipients"})
	d.Enqueue(notify.Message{To: []string{"ops@example.com"}, Subject: "two"})
	d.Close()

	require.Len(t, sink.msgs, 2)
	require.Equal(t, "one", sink.msgs[0].Subject)
	require.Equal(t, "two", sink.msgs[1].Subject)
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{err: errors.New("relay down")}
	d := notify.NewDispatcher(sink, 1)
	d.Enqueue(notify.Message{To: []string{"ops@example.com"}, Subject: "x"})
	d.Close()
	d.Close()
	require.Len(t, sink.msgs, 1)
}

func TestSMTPSinkValidates(t *testing.T) {
	t.Parallel()
	s := &notify.SMTPSink{Addr: "no-port", From: "vault@example.com"}
	require.Error(t, s.Send(context.Background(), notify.Message{To: []string{"a@example.com"}}))

	s = &notify.SMTPSink{Addr: "localhost:25", From: "not an address"}
	require.Error(t, s.Send(context.Background(), notify.Message{To: []string{"a@example.com"}}))
}
