package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "runs"

// Event kinds, the last subject token.
const (
	KindTrace = "trace"
	KindDone  = "done"
)

// TraceEvent carries one trace record.
type TraceEvent struct {
	RunID  string                   `json:"run_id"`
	Record orchestrator.TraceRecord `json:"record"`
}

// DoneEvent summarizes a finished run.
type DoneEvent struct {
	RunID         string               `json:"run_id"`
	Outcome       orchestrator.Outcome `json:"outcome"`
	FailedStep    string               `json:"failed_step,omitempty"`
	Detail        string               `json:"detail,omitempty"`
	RevisionCount int                  `json:"revision_count"`
	Steps         int                  `json:"steps"`
	TraceLength   int                  `json:"trace_length"`
	FinishedAt    time.Time            `json:"finished_at"`
}

// NewDoneEvent builds the summary of snap.
func NewDoneEvent(snap orchestrator.Snapshot) DoneEvent {
	return DoneEvent{
		RunID:         snap.RunID,
		Outcome:       snap.Outcome,
		FailedStep:    snap.FailedStep,
		Detail:        snap.Detail,
		RevisionCount: snap.RevisionCount,
		Steps:         len(snap.StepOutputs),
		TraceLength:   len(snap.Trace),
		FinishedAt:    snap.FinishedAt,
	}
}

// Subject returns the subject for one event kind of a run.
func Subject(prefix, runID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, runID, kind)
}

// RunSubjects returns the wildcard subject matching every event of a run.
func RunSubjects(prefix, runID string) string {
	return fmt.Sprintf("%s.%s.*", prefix, runID)
}

// Publisher implements orchestrator.TraceSink on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ orchestrator.TraceSink = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Prefix returns the subject prefix.
func (p *Publisher) Prefix() string { return p.prefix }

// RecordTrace publishes rec on the run's trace subject.
func (p *Publisher) RecordTrace(_ context.Context, runID string, rec orchestrator.TraceRecord) error {
	return p.publish(Subject(p.prefix, runID, KindTrace), TraceEvent{RunID: runID, Record: rec})
}

// RunFinished publishes the run summary on the done subject and flushes so
// subscribers see it before the caller returns.
func (p *Publisher) RunFinished(ctx context.Context, snap orchestrator.Snapshot) error {
	if err := p.publish(Subject(p.prefix, snap.RunID, KindDone), NewDoneEvent(snap)); err != nil {
		return err
	}
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flushing run %s events: %w", snap.RunID, err)
	}
	return nil
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	p.logger.Debug("published event", zap.String("subject", subject))
	return nil
}

// Broker owns the NATS connection and, when embedded, the server.
type Broker struct {
	Conn   *nats.Conn
	server *natsserver.Server
}

// Connect dials the configured broker, starting an embedded server first
// when cfg.Embedded is set.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{}
	url := cfg.URL
	if cfg.Embedded {
		srv, err := StartEmbedded("127.0.0.1", -1)
		if err != nil {
			return nil, err
		}
		b.server = srv
		url = srv.ClientURL()
		logger.Info("started embedded NATS server", zap.String("url", url))
	}
	if url == "" {
		return nil, errors.New("nats url is required when the embedded server is disabled")
	}

	nc, err := nats.Connect(url,
		nats.Name("mofsci"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b.Conn = nc
	logger.Info("connected to NATS", zap.String("url", url))
	return b, nil
}

// Close closes the connection and stops the embedded server.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	if b.Conn != nil {
		b.Conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}

// StartEmbedded runs an in-process NATS server. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           host,
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return srv, nil
}

// Subscription delivers the events of one run.
type Subscription struct {
	C   <-chan *nats.Msg
	sub *nats.Subscription
}

// Subscribe listens to every event of runID.
func Subscribe(nc *nats.Conn, prefix, runID string) (*Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(RunSubjects(prefix, runID), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribing to run %s: %w", runID, err)
	}
	// the subscription must be registered with the server before callers
	// replay stored history
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return &Subscription{C: ch, sub: sub}, nil
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	return s.sub.Unsubscribe()
}

// Kind returns the event kind of msg, the last subject token.
func Kind(msg *nats.Msg) string {
	subj := msg.Subject
	for i := len(subj) - 1; i >= 0; i-- {
		if subj[i] == '.' {
			return subj[i+1:]
		}
	}
	return subj
}
