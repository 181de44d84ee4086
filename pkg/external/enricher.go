package external

import (
	"context"
	"time"

	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
)

// Mode selects the enrichment style requested of the model.
type Mode string

const (
	ModeSummarize Mode = "summarize"
	ModeClassify  Mode = "classify"
	ModeExplain   Mode = "explain"
)

// Model is the LLM collaborator the Enricher drives. A real implementation
// calls out to a hosted or local model; it is never implemented in this
// module, only its interface boundary.
type Model interface {
	Complete(ctx context.Context, prompt string, mode Mode) (string, error)
}

// EnrichResult is the outcome of one enrichment call.
type EnrichResult struct {
	Text string
	Err  *cyberr.Error
}

// Enricher issues async enrichment requests against a Model without ever
// blocking the caller's loop: Enrich returns a channel immediately, and the
// model call runs on its own goroutine bounded by timeout.
type Enricher struct {
	model Model
}

// NewEnricher builds an Enricher around model. model may be nil, in which case
// every request immediately resolves to a Transient error.
func NewEnricher(model Model) *Enricher {
	return &Enricher{model: model}
}

// Enrich submits prompt/mode for enrichment and returns a channel that
// receives exactly one EnrichResult within timeout. The caller's goroutine
// is never blocked past the point of receiving the channel.
func (e *Enricher) Enrich(ctx context.Context, prompt string, mode Mode, timeout time.Duration) <-chan EnrichResult {
	out := make(chan EnrichResult, 1)
	if e.model == nil {
		metrics.EnricherRequestsTotal.WithLabelValues("no_model").Inc()
		out <- EnrichResult{Err: cyberr.New(cyberr.Transient, "no enrichment model configured")}
		close(out)
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			if rec := recover(); rec != nil {
				log.Logger.Error().Interface("panic", rec).Msg("enricher model call panicked; isolated")
				metrics.EnricherRequestsTotal.WithLabelValues("panic").Inc()
				out <- EnrichResult{Err: cyberr.New(cyberr.EvaluationError, "enrichment model panicked")}
			}
		}()

		text, err := e.model.Complete(cctx, prompt, mode)
		if err != nil {
			if cctx.Err() != nil {
				metrics.EnricherRequestsTotal.WithLabelValues("timeout").Inc()
				out <- EnrichResult{Err: cyberr.Wrap(cyberr.Transient, "enrichment timed out", err).WithRetryHint("retry with shorter prompt or later")}
				return
			}
			metrics.EnricherRequestsTotal.WithLabelValues("error").Inc()
			out <- EnrichResult{Err: cyberr.Wrap(cyberr.Transient, "enrichment model call failed", err)}
			return
		}
		metrics.EnricherRequestsTotal.WithLabelValues("ok").Inc()
		out <- EnrichResult{Text: text}
	}()
	return out
}
