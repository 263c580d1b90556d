// Package controller runs one pipeline worker per configured target.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/consumers"
	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/messagepipeline"
	"github.com/illmade-knight/go-mq2db/pkg/sqlsink"
	"github.com/rs/zerolog"
)

// ErrNoTargets is returned when not a single target could be built.
var ErrNoTargets = errors.New("no target could be built")

// ConsumerFactory builds the bus consumer of a target.
type ConsumerFactory func(cfg config.SourceConfig, logger zerolog.Logger) (messagepipeline.MessageConsumer, error)

// Option customises a Controller.
type Option func(*Controller)

// WithConsumerFactory replaces consumers.New, mainly for tests.
func WithConsumerFactory(f ConsumerFactory) Option {
	return func(c *Controller) {
		c.newConsumer = f
	}
}

// Controller owns the workers of every target that could be built.
type Controller struct {
	targets     []config.TargetConfig
	workers     []*messagepipeline.Worker
	buildErr    error
	newConsumer ConsumerFactory
	logger      zerolog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	runErrs *multierror.Error
}

// New builds a worker for every target. A target that fails validation or
// construction is logged and skipped; its siblings are unaffected. New fails
// only when no target could be built. registry defaults to decoders.Default()
// and metrics may be nil.
func New(cfg *config.Config, registry *decoders.Registry, logger zerolog.Logger, metrics *messagepipeline.Metrics, opts ...Option) (*Controller, error) {
	c := &Controller{
		newConsumer: consumers.New,
		logger:      logger.With().Str("component", "Controller").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if registry == nil {
		registry = decoders.Default()
	}
	if cfg == nil || len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("%w: configuration has no targets", ErrNoTargets)
	}

	var errs *multierror.Error
	for _, target := range cfg.Targets {
		worker, err := c.build(target, registry, logger, metrics)
		if err != nil {
			c.logger.Error().Err(err).Str("target", target.Name).Msg("Failed to build target, skipping.")
			errs = multierror.Append(errs, err)
			continue
		}
		c.targets = append(c.targets, target)
		c.workers = append(c.workers, worker)
	}
	c.buildErr = errs.ErrorOrNil()

	if len(c.workers) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoTargets, c.buildErr)
	}
	return c, nil
}

func (c *Controller) build(target config.TargetConfig, registry *decoders.Registry, logger zerolog.Logger, metrics *messagepipeline.Metrics) (*messagepipeline.Worker, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	targetLogger := logger.With().Str("target", target.Name).Logger()

	table := target.TableSpec()
	if table.UsesDefaultPrimaryKey() && table.InsertPrefix == "" && table.InsertSuffix == "" {
		c.logger.Warn().Str("target", target.Name).
			Msg("Table uses the default primary key (_datetime_); messages decoding to several rows will fail to flush. Set primary_key or insert_prefix.")
	}

	writer, err := sqlsink.NewWriter(sqlsink.WriterConfig{
		URL:   target.Database.URL,
		Table: table,
		Init:  target.Database.Init,
	}, targetLogger)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.Name, err)
	}

	decoder, err := registry.New(target.DecoderName(), decoders.Args(target.Loader.Args), targetLogger)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.Name, err)
	}

	consumer, err := c.newConsumer(target.Source, targetLogger)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.Name, err)
	}

	worker, err := messagepipeline.NewWorker(messagepipeline.WorkerConfig{
		Name:           target.Name,
		ReceiveTimeout: target.Source.ReceiveTimeout.Std(),
		Interval:       target.Database.Interval.Std(),
		FlushTimeout:   target.Database.FlushTimeout.Std(),
		MaxBuffer:      target.Database.MaxBuffer,
	}, consumer, decoder, writer, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.Name, err)
	}
	return worker, nil
}

// BuildErrors reports the targets that were skipped by New, or nil.
func (c *Controller) BuildErrors() error {
	return c.buildErr
}

// Start runs every worker in its own goroutine. Workers stop when ctx is done
// or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, w := range c.workers {
		c.wg.Add(1)
		go func(w *messagepipeline.Worker) {
			defer c.wg.Done()
			if err := w.Run(runCtx); err != nil {
				c.logger.Error().Err(err).Str("target", w.Name()).Msg("Worker exited with error.")
				c.mu.Lock()
				c.runErrs = multierror.Append(c.runErrs, err)
				c.mu.Unlock()
			}
		}(w)
	}
	c.logger.Info().Int("targets", len(c.workers)).Msg("Controller started.")
}

// Stop signals every worker and waits for all of them to finish their final
// flush. It returns the combined errors of workers that failed.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info().Msg("Controller stopped.")
	return c.runErrs.ErrorOrNil()
}

// Run starts the workers, blocks until ctx is done and stops them.
func (c *Controller) Run(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	return c.Stop()
}

// Summary lists the running targets as "name: address (TYPE, method)".
func (c *Controller) Summary() []string {
	lines := make([]string, len(c.targets))
	for i, t := range c.targets {
		lines[i] = t.Summary()
	}
	return lines
}

// States reports the lifecycle stage of every worker by target name.
func (c *Controller) States() map[string]messagepipeline.State {
	states := make(map[string]messagepipeline.State, len(c.workers))
	for _, w := range c.workers {
		states[w.Name()] = w.State()
	}
	return states
}
