package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/bissquit/notifyq/internal/domain"
)

// fakeAdapter implements Adapter for testing.
type fakeAdapter struct {
	name       string
	channel    domain.Channel
	cost       Cost
	priority   int
	configured bool
	available  bool
	fail       error
	price      float64

	mu   sync.Mutex
	sent []Message
}

func newFake(name string, ch domain.Channel, priority int) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		channel:    ch,
		cost:       CostFree,
		priority:   priority,
		configured: true,
		available:  true,
	}
}

func (f *fakeAdapter) failing(err error) *fakeAdapter {
	f.fail = err
	return f
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) Channel() domain.Channel            { return f.channel }
func (f *fakeAdapter) Cost() Cost                         { return f.cost }
func (f *fakeAdapter) Priority() int                      { return f.priority }
func (f *fakeAdapter) IsConfigured() bool                 { return f.configured }
func (f *fakeAdapter) IsAvailable(_ context.Context) bool { return f.available }

func (f *fakeAdapter) Send(_ context.Context, msg Message) Outcome {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.fail != nil {
		return Failed(f.fail)
	}
	return Delivered(f.name+"-id", f.price)
}

func (f *fakeAdapter) sentMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

var errTransient = NewRetryableError(errors.New("provider timeout"))
var errPermanent = NewNonRetryableError(errors.New("invalid credentials"))
