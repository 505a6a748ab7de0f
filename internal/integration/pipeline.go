package integration

import (
	"context"
	"time"
)

// DefaultFlushInterval is how often a pipeline flushes its aggregator.
const DefaultFlushInterval = 300 * time.Millisecond

// pipeline moves raw payloads from one adapter through translation and
// aggregation into the sink. It runs on a single goroutine, so the sink
// sees messages in the order the adapter produced them.
type pipeline struct {
	name       string
	translator Adapter
	aggregator Aggregator
	raw        <-chan []byte
	sink       func(Message)
	flushEvery time.Duration
	logger     Logger
}

func newPipeline(name string, adapter Adapter, raw <-chan []byte, sink func(Message), flushEvery time.Duration, logger Logger) *pipeline {
	p := &pipeline{
		name:       name,
		translator: adapter,
		raw:        raw,
		sink:       sink,
		flushEvery: flushEvery,
		logger:     logger,
	}
	if agg, ok := adapter.(Aggregator); ok {
		p.aggregator = agg
	}
	return p
}

func (p *pipeline) run(ctx context.Context) {
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return

		case raw := <-p.raw:
			p.handle(raw)

		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *pipeline) handle(raw []byte) {
	defer p.recover("translate")

	msgs, err := p.translator.Translate(raw)
	if err != nil {
		p.logger.Warn("translate failed, dropping payload", "integration", p.name, "error", err)
		return
	}
	for _, m := range msgs {
		if p.aggregator == nil {
			p.sink(m)
			continue
		}
		if out := p.aggregator.Aggregate(m); out != nil {
			p.sink(*out)
		}
	}
}

func (p *pipeline) flush() {
	if p.aggregator == nil {
		return
	}
	defer p.recover("flush")
	for _, m := range p.aggregator.Flush() {
		p.sink(m)
	}
}

func (p *pipeline) recover(stage string) {
	if r := recover(); r != nil {
		p.logger.Error("integration pipeline panic recovered", "integration", p.name, "stage", stage, "panic", r)
	}
}
