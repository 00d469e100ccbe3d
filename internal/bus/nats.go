package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectAssignmentCommitted = "planning.assignment.committed"
	SubjectWindowCreated       = "planning.window.created"
	SubjectPassCompleted       = "planning.pass.completed"

	SubjectAnomalyTreated = "anomaly.treated"
	SubjectWindowUpdated  = "window.updated"
)

// Event is the trigger payload consumed from upstream services.
type Event struct {
	SessionID string `json:"session_id"`
	AnomalyID string `json:"anomaly_id,omitempty"`
	WindowID  string `json:"window_id,omitempty"`
}

func connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := connect(url, logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.Conn.Publish(subject, data)
}

type Subscriber struct {
	Conn   *nats.Conn
	logger *slog.Logger
}

func NewSubscriber(url string, logger *slog.Logger) (*Subscriber, error) {
	conn, err := connect(url, logger)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn, logger: logger}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe invokes handler for every decodable event on subject; malformed
// payloads are logged and dropped.
func (s *Subscriber) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := DecodeEvent(msg.Data)
		if err != nil {
			s.logger.Warn("dropping malformed event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(evt)
	})
}

func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
