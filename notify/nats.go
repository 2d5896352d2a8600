package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"github.com/skynpu77/tapak"
)

var _ tapak.Notifier = (*NATS)(nil)

// Publisher is the part of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON payload published for every signal.
type Event struct {
	Type  string    `json:"type"`
	Label string    `json:"label,omitempty"`
	Time  time.Time `json:"time"`
}

// Event types.
const (
	EventBegin          = "operation.begin"
	EventEnd            = "operation.end"
	EventSessionInvalid = "session.invalid"
)

// NATS publishes signals to <prefix>.operation.begin, <prefix>.operation.end
// and <prefix>.session.invalid. Publishing never blocks the request; errors
// go to OnError.
type NATS struct {
	pub     Publisher
	prefix  string
	now     func() time.Time
	OnError func(subject string, err error)
}

// NewNATS returns a notifier publishing through pub under prefix.
func NewNATS(pub Publisher, prefix string) *NATS {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "tapak"
	}
	return &NATS{pub: pub, prefix: prefix, now: time.Now}
}

// ConnectNATS dials url and returns the connection with a notifier on it.
// The caller closes the connection.
func ConnectNATS(url, prefix string, opts ...natspkg.Option) (*natspkg.Conn, *NATS, error) {
	nc, err := natspkg.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, NewNATS(nc, prefix), nil
}

// Subject returns the subject of an event type.
func (n *NATS) Subject(eventType string) string {
	return n.prefix + "." + eventType
}

func (n *NATS) BeginOperation(_ context.Context, label string) {
	n.publish(Event{Type: EventBegin, Label: label})
}

func (n *NATS) EndOperation(context.Context) {
	n.publish(Event{Type: EventEnd})
}

func (n *NATS) SessionInvalid(context.Context) {
	n.publish(Event{Type: EventSessionInvalid})
}

func (n *NATS) publish(ev Event) {
	ev.Time = n.now().UTC()
	subject := n.Subject(ev.Type)

	data, err := json.Marshal(ev)
	if err == nil {
		err = n.pub.Publish(subject, data)
	}
	if err != nil && n.OnError != nil {
		n.OnError(subject, err)
	}
}
