// Package notify provides tapak.Notifier implementations: a no-op, callback
// and fan-out notifiers, a line writer for terminals and a NATS publisher.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/skynpu77/tapak"
)

var (
	_ tapak.Notifier = Nop{}
	_ tapak.Notifier = Funcs{}
	_ tapak.Notifier = Multi{}
	_ tapak.Notifier = (*Writer)(nil)
)

// Nop ignores every signal.
type Nop struct{}

func (Nop) BeginOperation(context.Context, string) {}
func (Nop) EndOperation(context.Context)           {}
func (Nop) SessionInvalid(context.Context)         {}

// Funcs calls the set callbacks; nil callbacks are skipped.
type Funcs struct {
	OnBegin          func(ctx context.Context, label string)
	OnEnd            func(ctx context.Context)
	OnSessionInvalid func(ctx context.Context)
}

func (f Funcs) BeginOperation(ctx context.Context, label string) {
	if f.OnBegin != nil {
		f.OnBegin(ctx, label)
	}
}

func (f Funcs) EndOperation(ctx context.Context) {
	if f.OnEnd != nil {
		f.OnEnd(ctx)
	}
}

func (f Funcs) SessionInvalid(ctx context.Context) {
	if f.OnSessionInvalid != nil {
		f.OnSessionInvalid(ctx)
	}
}

// Multi forwards every signal to each notifier in order.
type Multi []tapak.Notifier

func (m Multi) BeginOperation(ctx context.Context, label string) {
	for _, n := range m {
		n.BeginOperation(ctx, label)
	}
}

func (m Multi) EndOperation(ctx context.Context) {
	for _, n := range m {
		n.EndOperation(ctx)
	}
}

func (m Multi) SessionInvalid(ctx context.Context) {
	for _, n := range m {
		n.SessionInvalid(ctx)
	}
}

// Writer prints the loading label and session notices as lines on w. It
// tracks how many operations are pending so nested requests print once.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	pending int
}

// NewWriter returns a Writer printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (n *Writer) BeginOperation(_ context.Context, label string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending++
	if n.pending == 1 {
		fmt.Fprintln(n.w, label)
	}
}

func (n *Writer) EndOperation(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending > 0 {
		n.pending--
	}
}

func (n *Writer) SessionInvalid(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, "Session expired, please log in again")
}

// Pending reports operations begun and not yet ended.
func (n *Writer) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}
