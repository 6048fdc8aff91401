package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/transitlive/tracker_core/internal/metrics"
)

const (
	SubjectPrefix = "transit.events"
	// allTopic is the subject token of events with no topic
	allTopic = "all"
)

// relayEvent is the NATS payload. It carries every topic so one publish
// reaches each remote subscriber once.
type relayEvent struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Topics []string        `json:"topics,omitempty"`
}

// NATSRelay publishes events to NATS and delivers events from every
// instance, this one included, into the local hub.
type NATSRelay struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	hub     *Hub
	metrics *metrics.Collector
	logger  *slog.Logger
}

type RelayConfig struct {
	URL     string
	Name    string
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func NewNATSRelay(cfg RelayConfig, hub *Hub) (*NATSRelay, error) {
	r := &NATSRelay{hub: hub, metrics: cfg.Metrics, logger: cfg.Logger}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "tracker-core"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.metrics.NATSSetConnected(false)
			attrs := []any{}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			r.logger.Warn("nats disconnected", attrs...)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			r.metrics.NATSSetConnected(true)
			r.logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			r.metrics.NATSSetConnected(false)
			r.logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.nc = nc
	r.metrics.NATSSetConnected(true)

	sub, err := nc.Subscribe(SubjectPrefix+".>", r.deliver)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s.>: %w", SubjectPrefix, err)
	}
	r.sub = sub

	r.logger.Info("nats relay connected", slog.String("url", nc.ConnectedUrl()))
	return r, nil
}

// Publish sends one event to NATS under the subject of its first topic
func (r *NATSRelay) Publish(_ context.Context, eventType string, data any, topics ...string) error {
	subject, payload, err := encodeRelayEvent(eventType, data, topics)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(subject, payload); err != nil {
		r.metrics.NATSPublishErrInc()
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	r.metrics.NATSPublishedInc()
	return nil
}

func (r *NATSRelay) deliver(msg *nats.Msg) {
	var ev relayEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.logger.Warn("dropping malformed relay event",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return
	}
	if ev.Type == "" {
		r.logger.Warn("dropping relay event without type", slog.String("subject", msg.Subject))
		return
	}
	var data any
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		data = ev.Data
	}
	r.hub.Broadcast(ev.Type, data, ev.Topics...)
}

// IsConnected reports the live state of the NATS connection
func (r *NATSRelay) IsConnected() bool {
	return r.nc != nil && r.nc.IsConnected()
}

func (r *NATSRelay) Close() {
	if r.nc == nil {
		return
	}
	if err := r.nc.Drain(); err != nil {
		r.logger.Warn("nats drain failed", slog.String("error", err.Error()))
	}
	r.nc.Close()
}

func encodeRelayEvent(eventType string, data any, topics []string) (string, []byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	payload, err := json.Marshal(relayEvent{Type: eventType, Data: raw, Topics: topics})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	token := allTopic
	if len(topics) > 0 {
		token = subjectToken(topics[0])
	}
	return SubjectPrefix + "." + token, payload, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain whitespace, '.', '>' or '*'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
