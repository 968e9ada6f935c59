package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below error level by message. Errors and
// the messages listed in cfg.Exempt, such as the run lifecycle lines, are
// always written so every run keeps its start and end in the log.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	exempt := make(map[string]bool, len(cfg.Exempt))
	for _, msg := range cfg.Exempt {
		exempt[msg] = true
	}
	keep := func(e zapcore.Entry) bool {
		return e.Level >= zapcore.ErrorLevel || exempt[e.Message]
	}

	always := &entryFilterCore{Core: core, accept: keep}
	sampled := zapcore.NewSamplerWithOptions(
		&entryFilterCore{Core: core, accept: func(e zapcore.Entry) bool { return !keep(e) }},
		cfg.Tick.Duration(),
		cfg.Initial,
		cfg.Thereafter,
	)
	return zapcore.NewTee(always, sampled)
}

// entryFilterCore passes only the entries accept returns true for.
type entryFilterCore struct {
	zapcore.Core
	accept func(zapcore.Entry) bool
}

func (c *entryFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.accept(e) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *entryFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &entryFilterCore{Core: c.Core.With(fields), accept: c.accept}
}
