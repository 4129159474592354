// Package standalone runs collections for a list of channel inputs inside a
// single process.
package standalone

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/orchestrator"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// OrchestratorFactory builds the orchestrator for one channel. Every channel
// gets its own orchestrator so runs never share state.
type OrchestratorFactory func() *orchestrator.Orchestrator

// ResultSink receives every result of a batch, including failed ones.
type ResultSink interface {
	Publish(ctx context.Context, result *orchestrator.CollectionResult) error
}

// Mode selects the workflow a batch runs for each channel.
type Mode int

const (
	// ModeCollect collects every channel from scratch and stores the result.
	ModeCollect Mode = iota
	// ModeRefresh collects every channel against its stored data.
	ModeRefresh
	// ModeDryRun collects without storing anything.
	ModeDryRun
)

// Runner collects a batch of channels with bounded concurrency.
type Runner struct {
	factory     OrchestratorFactory
	concurrency int
	mode        Mode
	sink        ResultSink
}

// NewRunner creates a Runner. concurrency below 1 is treated as 1.
func NewRunner(factory OrchestratorFactory, concurrency int, mode Mode) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{factory: factory, concurrency: concurrency, mode: mode}
}

// PublishTo makes the runner hand every result to sink.
func (r *Runner) PublishTo(sink ResultSink) *Runner {
	r.sink = sink
	return r
}

// Run collects inputs and returns one result per distinct input, in input
// order. A channel that fails terminally yields a result carrying only its
// input and error. The returned error is set only when ctx ends the batch early.
func (r *Runner) Run(ctx context.Context, inputs []string, opts youtube.CollectionOptions) ([]*orchestrator.CollectionResult, error) {
	inputs = common.DedupeInputs(inputs)
	batchID := common.GenerateBatchID()
	log.Info().Str("batch_id", batchID).Int("channels", len(inputs)).Int("concurrency", r.concurrency).Msg("Starting batch collection")

	results := make([]*orchestrator.CollectionResult, len(inputs))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, input := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := r.runOne(gctx, input, opts)
			if err != nil {
				failed.Add(1)
				log.Error().Err(err).Str("batch_id", batchID).Str("input", input).Msg("Channel collection failed")
				result = orchestrator.FailedResult(input, err)
			}
			results[i] = result
			if r.sink != nil {
				if perr := r.sink.Publish(gctx, result); perr != nil {
					log.Warn().Err(perr).Str("input", input).Msg("Failed to publish collection result")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if res == nil {
			results[i] = orchestrator.FailedResult(inputs[i], fmt.Errorf("not collected: %w", context.Cause(ctx)))
		}
	}

	log.Info().Str("batch_id", batchID).Int("channels", len(inputs)).Int32("failed", failed.Load()).Msg("Batch collection finished")
	return results, ctx.Err()
}

func (r *Runner) runOne(ctx context.Context, input string, opts youtube.CollectionOptions) (result *orchestrator.CollectionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("input", input).Msgf("Recovered from panic while collecting channel: %v", rec)
			result, err = nil, fmt.Errorf("panic while collecting %s: %v", input, rec)
		}
	}()

	o := r.factory()
	switch r.mode {
	case ModeRefresh:
		return o.Refresh(ctx, input, opts)
	case ModeDryRun:
		return o.Collect(ctx, input, opts, nil)
	}

	result, err = o.Collect(ctx, input, opts, nil)
	if err != nil {
		return nil, err
	}
	if !result.Saved {
		if serr := o.Save(ctx, result); serr != nil {
			log.Warn().Err(serr).Str("channel_id", result.ChannelID).Msg("Failed to store collected channel")
		}
	}
	return result, nil
}
