// Package processor drains unprocessed MQTT messages through routing,
// parsing and dispatch in one batch pass.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/registry"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/parsers"
	"github.com/sandrolain/mqtt-relay/src/quality"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
	"github.com/sandrolain/mqtt-relay/src/store"
)

// maxBackoff caps the exponential retry schedule.
const maxBackoff = 30 * time.Minute

// asyncResultTimeout bounds the wait for an asynchronous dispatcher's
// completion callback.
const asyncResultTimeout = 30 * time.Second

// DispatcherFactory builds the dispatcher for a destination. Swappable in
// tests.
type DispatcherFactory func(dest *models.ClientDestination, password string, cb dispatchers.Callback) (dispatchers.Dispatcher, error)

// Summary is the outcome of one batch pass.
type Summary struct {
	Messages         int `json:"messages"`
	Processed        int `json:"processed"`
	RoutingFailures  int `json:"routing_failures"`
	ParseFailures    int `json:"parse_failures"`
	DispatchFailures int `json:"dispatch_failures"`
	RetriesSwept     int `json:"retries_swept"`
}

// ExitCode maps the pass outcome to the process exit code: 0 clean, 2 when
// any per-message failure occurred. Infrastructure aborts exit 1 and are
// signalled by the Run error instead.
func (s Summary) ExitCode() int {
	if s.RoutingFailures > 0 || s.ParseFailures > 0 || s.DispatchFailures > 0 {
		return 2
	}
	return 0
}

type Processor struct {
	store   *store.Store
	parsers *parsers.Registry
	keyring *crypto.Keyring
	judge   *quality.Judge
	config  *models.ProcessorConfig
	factory DispatcherFactory
	backoff []time.Duration
	log     *slog.Logger
}

// New wires a processor. keyring may be nil when no destination carries an
// encrypted credential.
func New(s *store.Store, reg *parsers.Registry, keyring *crypto.Keyring, cfg *models.ProcessorConfig) (*Processor, error) {
	var judge *quality.Judge
	if cfg.QualityRule != "" {
		var err error
		judge, err = quality.NewJudge(cfg.QualityRule)
		if err != nil {
			return nil, fmt.Errorf("invalid quality rule: %w", err)
		}
	}
	return &Processor{
		store:   s,
		parsers: reg,
		keyring: keyring,
		judge:   judge,
		config:  cfg,
		factory: registry.New,
		backoff: capSchedule(retrier.ExponentialBackoff(cfg.MaxAttempts, cfg.RetryBackoff)),
		log:     slog.Default().With("context", "PROCESSOR"),
	}, nil
}

// SetFactory overrides the dispatcher factory.
func (p *Processor) SetFactory(f DispatcherFactory) { p.factory = f }

func capSchedule(schedule []time.Duration) []time.Duration {
	for i, d := range schedule {
		if d > maxBackoff {
			schedule[i] = maxBackoff
		}
	}
	return schedule
}

// backoffFor returns the delay before the next attempt after a failure on
// the given attempt number (1-based).
func (p *Processor) backoffFor(attempts int) time.Duration {
	if len(p.backoff) == 0 {
		return maxBackoff
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.backoff) {
		idx = len(p.backoff) - 1
	}
	return p.backoff[idx]
}

// Run executes one pass: sweep due retries, then drain one batch of
// unprocessed messages. Per-message failures are contained and counted;
// only infrastructure errors abort.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	sum := Summary{}

	if err := p.sweepRetries(ctx, &sum); err != nil {
		return sum, err
	}

	messages, err := p.store.UnprocessedMessages(ctx, p.config.BatchSize)
	if err != nil {
		return sum, err
	}
	p.log.Info("draining batch", "messages", len(messages), "retriesSwept", sum.RetriesSwept)

	for i := range messages {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Messages++
		if err := p.processMessage(ctx, &messages[i], &sum); err != nil {
			return sum, err
		}
	}

	p.log.Info("pass complete",
		"messages", sum.Messages,
		"processed", sum.Processed,
		"routingFailures", sum.RoutingFailures,
		"parseFailures", sum.ParseFailures,
		"dispatchFailures", sum.DispatchFailures,
		"retriesSwept", sum.RetriesSwept)
	return sum, nil
}

// processMessage handles one frame end to end. Routing and parse failures
// are logged and counted; the returned error is reserved for
// infrastructure faults.
func (p *Processor) processMessage(ctx context.Context, msg *models.MqttMessage, sum *Summary) error {
	sender, err := p.resolveSender(ctx, msg)
	if err != nil {
		if routingFailure(err) {
			sum.RoutingFailures++
			p.log.Warn("message not routable", "message", msg.ID, "topic", msg.Topic, "err", err)
			return nil
		}
		return err
	}

	rule, err := p.selectRoute(ctx, sender, msg)
	if err != nil {
		if routingFailure(err) {
			sum.RoutingFailures++
			p.log.Warn("no route for message", "message", msg.ID, "topic", msg.Topic, "err", err)
			return nil
		}
		return err
	}

	// A message stamped by an earlier pass keeps its extraction; parsing
	// is not repeated.
	var extraction *models.Extraction
	var points []models.Point
	if msg.Processor != nil {
		extraction, err = p.store.ExtractionByID(ctx, *msg.Processor)
		if err != nil {
			return err
		}
	}
	if extraction == nil {
		extraction, points, err = p.parseMessage(ctx, msg, sender, rule)
		if err != nil {
			return err
		}
	} else if extraction.Success {
		points, err = p.pointsForExtraction(ctx, extraction.ID)
		if err != nil {
			return err
		}
	}

	if !extraction.Success {
		sum.ParseFailures++
		p.log.Warn("extraction failed", "message", msg.ID, "extraction", extraction.ID, "err", extraction.ErrorText)
		return p.store.FinalizeMessage(ctx, msg.ID, extraction.ID, false)
	}

	allSent, err := p.dispatchDeposits(ctx, extraction, rule, points, sum)
	if err != nil {
		return err
	}
	if err := p.store.FinalizeMessage(ctx, msg.ID, extraction.ID, allSent); err != nil {
		return err
	}
	if allSent {
		sum.Processed++
	}
	return nil
}
