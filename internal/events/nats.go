package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn the NATS notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes every outbound event as JSON on a NATS subject:
// <prefix>.presence.<user>, <prefix>.message.<chat>, <prefix>.status.<sender>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// envelope is the JSON body shared by every subject.
type envelope struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// NewNATSNotifier wraps a publisher. An empty prefix defaults to "chat".
func NewNATSNotifier(pub Publisher, prefix string, logger *zap.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "chat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{pub: pub, prefix: prefix, logger: logger}
}

// ConnectNATS dials the server with the reconnect policy used for the push bus.
func ConnectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

func (n *NATSNotifier) PresenceChanged(_ context.Context, evt PresenceChanged) {
	n.publish(n.prefix+".presence."+evt.UserID, TypePresence, evt.At, evt)
}

func (n *NATSNotifier) MessageCreated(_ context.Context, evt MessageCreated) {
	subject := n.prefix + ".message." + strconv.FormatInt(evt.Message.ChatID, 10)
	n.publish(subject, TypeMessage, evt.Message.SentAt, evt)
}

func (n *NATSNotifier) MessageStatusChanged(_ context.Context, evt MessageStatusChanged) {
	n.publish(n.prefix+".status."+evt.SenderID, TypeMessageStatus, evt.At, evt)
}

func (n *NATSNotifier) publish(subject, kind string, ts time.Time, data any) {
	payload, err := json.Marshal(envelope{Type: kind, Ts: ts, Data: data})
	if err != nil {
		n.logger.Warn("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := n.pub.Publish(subject, payload); err != nil {
		n.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
		return
	}
	n.logger.Debug("published event", zap.String("subject", subject), zap.String("type", kind))
}
