package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	"cryptofeed/config"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes every event as JSON, keyed by symbol so one
// symbol's events stay on one partition.
type KafkaWriter struct {
	cfg    config.KafkaConfig
	events <-chan models.Event
	writer messageWriter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	written int64
	failed  int64
	log     *logger.Log
}

func NewKafkaWriter(cfg config.KafkaConfig, events <-chan models.Event) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic must be configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	kw := newKafkaWriter(cfg, events, w)
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(cfg config.KafkaConfig, events <-chan models.Event, w messageWriter) *KafkaWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &KafkaWriter{
		cfg:    cfg,
		events: events,
		writer: w,
		log:    logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return errors.New("kafka writer already running")
	}
	kw.running = true

	ctx, kw.cancel = context.WithCancel(ctx)
	kw.wg.Add(1)
	go kw.run(ctx)
	return nil
}

// Stop waits for the publishing loop to finish and closes the producer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	cancel()
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"written": atomic.LoadInt64(&kw.written),
		"failed":  atomic.LoadInt64(&kw.failed),
	}).Info("kafka writer stopped")
}

func (kw *KafkaWriter) Written() int64 { return atomic.LoadInt64(&kw.written) }

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer")

	for {
		var first models.Event
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-kw.events:
			if !ok {
				return
			}
			first = ev
		}

		batch := []models.Event{first}
		closed := false
	collect:
		for len(batch) < kw.cfg.BatchSize {
			select {
			case ev, ok := <-kw.events:
				if !ok {
					closed = true
					break collect
				}
				batch = append(batch, ev)
			default:
				break collect
			}
		}

		kw.publish(ctx, log, batch)
		if closed {
			return
		}
	}
}

func (kw *KafkaWriter) publish(ctx context.Context, log *logger.Entry, batch []models.Event) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		msg, err := eventMessage(ev)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"label": ev.Label}).Warn("failed to encode event")
			atomic.AddInt64(&kw.failed, 1)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		atomic.AddInt64(&kw.failed, int64(len(msgs)))
		log.WithError(err).WithFields(logger.Fields{"messages": len(msgs)}).Warn("failed to write messages")
		return
	}
	atomic.AddInt64(&kw.written, int64(len(msgs)))
	metrics.EmitMetric(kw.log, "kafka_writer", "kafka_messages_written", len(msgs), "counter", logger.Fields{
		"topic": kw.cfg.Topic,
	})
	log.WithFields(logger.Fields{"messages": len(msgs)}).Debug("events written to kafka")
}

func eventMessage(ev models.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Value:   value,
		Headers: []kafka.Header{{Key: "label", Value: []byte(ev.Label)}},
	}
	if syms := symbolsOf(ev); len(syms) > 0 {
		msg.Key = []byte(syms[0])
	}
	return msg, nil
}
