package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"cryptofeed/config"
	"cryptofeed/models"
)

type fakeProducer struct {
	mu     sync.Mutex
	calls  [][]kafka.Message
	err    error
	closed bool
}

func (p *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, append([]kafka.Message(nil), msgs...))
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kafka.Message
	for _, c := range p.calls {
		out = append(out, c...)
	}
	return out
}

func TestNewKafkaWriterRequiresTopic(t *testing.T) {
	if _, err := NewKafkaWriter(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestKafkaWriterPublishesEvents(t *testing.T) {
	events := make(chan models.Event, 3)
	p := &fakeProducer{}
	kw := newKafkaWriter(config.KafkaConfig{Topic: "feed", BatchSize: 10}, events, p)

	events <- bookEvent("BTC/USD", 100, 101)
	events <- models.Event{Label: models.LabelTrades, Payload: []models.Trade{{Symbol: "ETH/USD", Side: "sell"}}}
	events <- models.Event{Label: models.LabelUnsubscribed, Payload: 4}
	close(events)

	if err := kw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := kw.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	deadline := time.Now().Add(time.Second)
	for kw.Written() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d messages written", kw.Written())
		}
		time.Sleep(5 * time.Millisecond)
	}
	kw.Stop()

	msgs := p.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "BTC/USD" || string(msgs[1].Key) != "ETH/USD" || msgs[2].Key != nil {
		t.Fatalf("unexpected keys %q %q %q", msgs[0].Key, msgs[1].Key, msgs[2].Key)
	}
	if string(msgs[1].Headers[0].Value) != models.LabelTrades {
		t.Fatalf("unexpected label header %+v", msgs[1].Headers)
	}

	var decoded struct {
		Label   string                      `json:"label"`
		Payload map[string]models.OrderBook `json:"payload"`
	}
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Label != models.LabelOrderBook || decoded.Payload["BTC/USD"].Bids[0].Price != 100 {
		t.Fatalf("unexpected message body %s", msgs[0].Value)
	}
	if !p.closed {
		t.Fatal("producer should be closed on Stop")
	}
}

func TestKafkaWriterCountsFailures(t *testing.T) {
	events := make(chan models.Event, 1)
	p := &fakeProducer{err: errors.New("broker down")}
	kw := newKafkaWriter(config.KafkaConfig{Topic: "feed"}, events, p)

	events <- bookEvent("BTC/USD", 1, 2)
	close(events)
	kw.Start(context.Background())
	kw.wg.Wait()
	kw.Stop()

	if kw.Written() != 0 || kw.failed != 1 {
		t.Fatalf("expected one failure, got written=%d failed=%d", kw.Written(), kw.failed)
	}
}
