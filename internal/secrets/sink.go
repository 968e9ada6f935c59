package secrets

import (
	"context"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// Sink scrubs trace records and snapshots before handing them to the
// wrapped sink.
type Sink struct {
	next     orchestrator.TraceSink
	scrubber *Scrubber
}

var _ orchestrator.TraceSink = (*Sink)(nil)

// WrapSink returns next unchanged when s is nil.
func WrapSink(next orchestrator.TraceSink, s *Scrubber) orchestrator.TraceSink {
	if s == nil {
		return next
	}
	return &Sink{next: next, scrubber: s}
}

// RecordTrace implements orchestrator.TraceSink.
func (k *Sink) RecordTrace(ctx context.Context, runID string, rec orchestrator.TraceRecord) error {
	rec.Detail = k.scrubber.Redact(rec.Detail)
	return k.next.RecordTrace(ctx, runID, rec)
}

// RunFinished implements orchestrator.TraceSink.
func (k *Sink) RunFinished(ctx context.Context, snap orchestrator.Snapshot) error {
	return k.next.RunFinished(ctx, k.scrubber.Snapshot(snap))
}

// Snapshot returns a copy of snap with free text scrubbed. The caller's
// slices and maps are left untouched.
func (s *Scrubber) Snapshot(snap orchestrator.Snapshot) orchestrator.Snapshot {
	if s == nil {
		return snap
	}
	snap.Request.Text = s.Redact(snap.Request.Text)
	snap.LastFeedback = s.Redact(snap.LastFeedback)
	snap.Detail = s.Redact(snap.Detail)
	snap.Report = s.Redact(snap.Report)

	trace := make([]orchestrator.TraceRecord, len(snap.Trace))
	for i, rec := range snap.Trace {
		rec.Detail = s.Redact(rec.Detail)
		trace[i] = rec
	}
	snap.Trace = trace

	outputs := make([]orchestrator.StepOutput, len(snap.StepOutputs))
	for i, out := range snap.StepOutputs {
		out.Error = s.Redact(out.Error)
		out.Data = s.data(out.Data)
		outputs[i] = out
	}
	snap.StepOutputs = outputs
	return snap
}

func (s *Scrubber) data(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if str, ok := v.(string); ok {
			v = s.Redact(str)
		}
		out[k] = v
	}
	return out
}
