// Package events abstracts the publish/subscribe transport behind the event
// log. NATSBus talks to a NATS server; MemoryBus fans out in process when no
// server is configured.
package events

import (
	"context"

	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// Message header keys.
const (
	// HeaderCorrelationID carries the correlation id across the bus.
	HeaderCorrelationID = "X-Correlation-ID"

	// HeaderEventID carries the id of the log entry a message mirrors.
	HeaderEventID = "Hub-Event-ID"

	// HeaderBridge marks messages emitted by the bridge; the value is the
	// rule name. Inbound bridge rules drop messages carrying it.
	HeaderBridge = "Hub-Bridge"
)

// subscriberBuffer is the per-subscription channel capacity. Messages beyond
// it are dropped so a slow consumer never blocks the transport.
const subscriberBuffer = 256

// Message is a single bus message.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// Get returns a header value.
func (m *Message) Get(key string) string {
	if m.Header == nil {
		return ""
	}
	return m.Header[key]
}

// Publisher is the interface for emitting messages.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe delivers messages whose subject matches pattern on the
	// returned channel. Call the returned cancel function to unsubscribe
	// and close the channel.
	Subscribe(pattern string) (<-chan *Message, func(), error)
	Close() error
}

// Bus is a transport that can both publish and subscribe.
type Bus interface {
	Publisher
	Subscriber
}

// Subjects builds names following <prefix>.<node-id>.<domain>.<action>.
type Subjects struct {
	Prefix string
	NodeID string
}

// Domain returns the subject for an action within a domain on this node.
func (s Subjects) Domain(domain, action string) string {
	return subject.Join(s.Prefix, s.NodeID, domain, action)
}

// Presence returns the presence subject for a project.
func (s Subjects) Presence(projectSlug string) string {
	return subject.Join(s.Prefix, "presence", projectSlug)
}

// PresenceAll matches every presence subject under the prefix.
func (s Subjects) PresenceAll() string {
	return subject.Join(s.Prefix, "presence", subject.TailWildcard)
}

// All matches every subject under the prefix.
func (s Subjects) All() string {
	return subject.Join(s.Prefix, subject.TailWildcard)
}
