// Package publisher renders session frames onto NATS subjects for display
// clients.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/session"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("crowdbus"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, logSubjects, m), nil
}

func newPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logSubjects: logSubjects, metrics: m}
}

const DefaultSubjectPrefix = "bus.display"

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// FrameMessage is the wire form of a rendered frame.
type FrameMessage struct {
	session.Frame
	ConfidenceText string `json:"confidence"`
}

// Subject returns the subject frames for busID are published on.
func (p *NATSPublisher) Subject(busID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(busID))
}

// Render publishes f as JSON; it satisfies session.Sink.
func (p *NATSPublisher) Render(_ context.Context, f session.Frame) error {
	subject := p.Subject(f.BusID)
	b, err := json.Marshal(FrameMessage{Frame: f, ConfidenceText: f.ConfidenceText()})
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

var _ session.Sink = (*NATSPublisher)(nil)
