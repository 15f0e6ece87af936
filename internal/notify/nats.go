package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots every published subject.
const DefaultSubjectPrefix = "paper"

// Publisher is the subset of *nats.Conn used to publish.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events as JSON on <prefix>.<scope>.<type>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier creates a notifier over pub.
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("paper-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats %s: %w", url, err)
	}
	return nc, nil
}

func (n *NATSNotifier) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	subject := n.Subject(e)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Subject returns the subject an event is published on. The scope always
// maps to exactly one subject token.
func (n *NATSNotifier) Subject(e Event) string {
	scope := e.Scope
	if scope == BroadcastScope || scope == "" {
		scope = "all"
	}
	scope = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(scope)
	return n.prefix + "." + scope + "." + string(e.Type)
}
