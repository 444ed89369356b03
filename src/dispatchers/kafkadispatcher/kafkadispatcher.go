// Package kafkadispatcher publishes parsed points to a Kafka topic. It is
// the asynchronous dispatcher: Dispatch enqueues writes and the final
// result arrives through the construction callback once the writer's
// completion hook has accounted for every message.
package kafkadispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Topic     string            `json:"topic"`
	Table     string            `json:"table"`
	ColumnMap map[string]string `json:"column_map"`
	BatchSize int               `json:"batch_size" default:"100" validate:"min=1"`
	Timeout   time.Duration     `json:"timeout" default:"10s" validate:"required"`
}

// TopicName resolves the destination topic, falling back to the table
// option so a destination shared with a SQL sink needs no duplicate
// configuration.
func (c *Config) TopicName() string {
	if c.Topic != "" {
		return c.Topic
	}
	return c.Table
}

type KafkaDispatcher struct {
	config *Config
	writer *kafka.Writer
	cb     dispatchers.Callback
	log    *slog.Logger

	mu       sync.Mutex
	expected int
	done     int
	failures int
	lastErr  error
}

// New builds the dispatcher from a destination row. Brokers come from the
// URI column (comma-separated host:port list) or host/port.
func New(dest *models.ClientDestination, cb dispatchers.Callback) (dispatchers.Dispatcher, error) {
	opts, err := encdec.DecodeJSONMap(dest.OptionsJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid destination options: %w", err)
	}
	cfg, err := dispatchers.ParseConfig[Config](opts)
	if err != nil {
		return nil, err
	}
	if cfg.TopicName() == "" {
		return nil, fmt.Errorf("kafka destination requires a topic (or table) option")
	}
	if cb == nil {
		return nil, fmt.Errorf("kafka dispatcher requires a completion callback")
	}

	brokers := brokerList(dest)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka destination requires brokers in uri or host/port")
	}

	d := &KafkaDispatcher{
		config: cfg,
		cb:     cb,
		log:    slog.Default().With("context", "KAFKA"),
	}
	d.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.TopicName(),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		WriteTimeout: cfg.Timeout,
		Async:        true,
		Completion:   d.complete,
	}
	return d, nil
}

func brokerList(dest *models.ClientDestination) []string {
	if dest.URI != "" {
		parts := strings.Split(dest.URI, ",")
		brokers := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(strings.TrimPrefix(p, "kafka://"))
			if p != "" {
				brokers = append(brokers, p)
			}
		}
		return brokers
	}
	if dest.Host != "" {
		return []string{fmt.Sprintf("%s:%d", dest.Host, dest.Port)}
	}
	return nil
}

func (d *KafkaDispatcher) Asynchronous() bool { return true }

func (d *KafkaDispatcher) Close() error { return d.writer.Close() }

// Dispatch enqueues one message per point, keyed device_id:metric_id so a
// point stream partitions per series. The returned result is nil; the
// callback fires when the completion hook has seen every message.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, points []models.Point) (*dispatchers.Result, error) {
	rows, err := dispatchers.Prepare(points, d.config.ColumnMap)
	if err != nil {
		d.cb(dispatchers.Failed(err.Error()))
		return nil, nil
	}
	if len(rows) == 0 {
		d.cb(dispatchers.Sent("no rows"))
		return nil, nil
	}

	messages := make([]kafka.Message, 0, len(rows))
	for i, row := range rows {
		value, err := encdec.EncodeJSON(&row)
		if err != nil {
			d.cb(dispatchers.Failed(fmt.Sprintf("encoding row: %v", err)))
			return nil, nil
		}
		messages = append(messages, kafka.Message{
			Key:   messageKey(&points[i]),
			Value: value,
		})
	}

	d.mu.Lock()
	d.expected = len(messages)
	d.done = 0
	d.failures = 0
	d.lastErr = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	d.log.Debug("enqueueing", "topic", d.config.TopicName(), "messages", len(messages))
	if err := d.writer.WriteMessages(ctx, messages...); err != nil {
		// Async mode only errors before enqueueing (validation, topic).
		d.cb(dispatchers.Retrying(fmt.Sprintf("enqueue failed: %v", err)))
		return nil, nil
	}
	return nil, nil
}

func messageKey(p *models.Point) []byte {
	return []byte(strconv.Itoa(p.DeviceID) + ":" + strconv.Itoa(p.MetricID))
}

// complete is the writer's completion hook. It may be invoked per batch;
// the final result fires once every enqueued message is accounted for.
func (d *KafkaDispatcher) complete(messages []kafka.Message, err error) {
	d.mu.Lock()
	d.done += len(messages)
	if err != nil {
		d.failures += len(messages)
		d.lastErr = err
	}
	finished := d.expected > 0 && d.done >= d.expected
	done := d.done
	failures := d.failures
	lastErr := d.lastErr
	if finished {
		d.expected = 0
	}
	d.mu.Unlock()

	if !finished {
		return
	}
	if failures > 0 {
		d.cb(dispatchers.Retrying(fmt.Sprintf("%d messages failed: %v", failures, lastErr)))
		return
	}
	d.cb(dispatchers.Sent(fmt.Sprintf("published %d messages", done)))
}
