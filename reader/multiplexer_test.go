package reader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/channel"
	"cryptofeed/models"
)

type fakeConn struct {
	mu        sync.Mutex
	sendErr   error
	sent      [][]byte
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-c.inbox:
		if !ok {
			return nil, io.EOF
		}
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentRequests(t *testing.T) []models.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Request, 0, len(c.sent))
	for _, raw := range c.sent {
		var r models.Request
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("decode sent request: %v", err)
		}
		out = append(out, r)
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	sendErr error
	conns   []*fakeConn
	times   []time.Time
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	c.sendErr = d.sendErr
	d.conns = append(d.conns, c)
	d.times = append(d.times, time.Now())
	return c, nil
}

func (d *fakeDialer) opened() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

// fakeAdapter echoes every inbound message as a ticker event except
// "bogus", which it rejects.
type fakeAdapter struct{}

func (fakeAdapter) Name() string { return "fake" }

func (fakeAdapter) BuildSubscribe(name models.ChannelName, symbols []string) ([]models.Request, models.Realm, error) {
	if name == models.ChannelOHLCV {
		return nil, "", ErrUnsupportedChannel
	}
	reqs := make([]models.Request, 0, len(symbols))
	for _, s := range symbols {
		reqs = append(reqs, models.NewSubscribeRequest(string(name), s))
	}
	return reqs, models.RealmPublic, nil
}

func (fakeAdapter) BuildUnsubscribe(ch models.Channel) models.Request {
	return models.Request{Type: "unsubscribe", Channels: []models.ChannelSpec{{Name: ch.ExChannelID.Name, ProductIDs: []string{ch.ExChannelID.ProductID}}}}
}

func (fakeAdapter) ParseReply(conn models.ConnID, realm models.Realm, data []byte) (*models.Event, error) {
	if string(data) == "bogus" {
		return nil, ErrUnknownResponse
	}
	if string(data) == "quiet" {
		return nil, nil
	}
	return &models.Event{Label: models.LabelTicker, Payload: string(data)}, nil
}

func testConfig(maxChannels, count, windowMs int) *config.Config {
	cfg := config.Default()
	cfg.Realms.Public = config.RealmConfig{
		Endpoint:       "ws://fake",
		MaxChannels:    maxChannels,
		MaxConnections: config.MaxConnectionsConfig{Count: count, WindowMs: windowMs},
	}
	return &cfg
}

func requests(ids ...string) []models.Request {
	out := make([]models.Request, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.NewSubscribeRequest("ticker", id))
	}
	return out
}

func newTestMultiplexer(cfg *config.Config) (*Multiplexer, *fakeDialer, *channel.Registry) {
	d := &fakeDialer{}
	reg := channel.NewRegistry()
	return NewMultiplexer(cfg, fakeAdapter{}, d, reg), d, reg
}

func TestPackingNeverExceedsCapacity(t *testing.T) {
	m, d, reg := newTestMultiplexer(testConfig(3, 100, 1000))
	defer m.Close()
	ctx := context.Background()

	if err := m.RequestSubscription(ctx, requests("A", "B", "C", "D", "E", "F", "G"), models.RealmPublic); err != nil {
		t.Fatalf("RequestSubscription: %v", err)
	}
	conns := d.opened()
	if len(conns) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(conns))
	}
	want := []int{3, 3, 1}
	for i, c := range conns {
		if got := len(c.sentRequests(t)); got != want[i] {
			t.Fatalf("connection %d carried %d requests, want %d", i, got, want[i])
		}
	}

	ids := reg.Connections(models.RealmPublic)
	for i, id := range ids[:2] {
		for j, p := range reg.Pending(models.RealmPublic, id) {
			reg.Register(id, models.Channel{ID: i*3 + j, Symbol: p.Channels[0].ProductIDs[0], Request: p}, models.RealmPublic)
		}
	}

	if err := m.RequestSubscription(ctx, requests("H", "I"), models.RealmPublic); err != nil {
		t.Fatalf("second RequestSubscription: %v", err)
	}
	if n := len(d.opened()); n != 3 {
		t.Fatalf("spare capacity should be used before opening, got %d connections", n)
	}
	if got := len(conns[2].sentRequests(t)); got != 3 {
		t.Fatalf("third connection should carry 3 requests, got %d", got)
	}
	if got := len(conns[0].sentRequests(t)); got != 3 {
		t.Fatalf("full connection received more requests: %d", got)
	}
}

func TestConnectionOpensRespectRateLimit(t *testing.T) {
	window := 200 * time.Millisecond
	m, d, _ := newTestMultiplexer(testConfig(1, 2, int(window/time.Millisecond)))
	defer m.Close()

	if err := m.RequestSubscription(context.Background(), requests("A", "B", "C", "D", "E"), models.RealmPublic); err != nil {
		t.Fatalf("RequestSubscription: %v", err)
	}

	d.mu.Lock()
	times := append([]time.Time(nil), d.times...)
	d.mu.Unlock()
	if len(times) != 5 {
		t.Fatalf("expected 5 opens, got %d", len(times))
	}

	slack := 10 * time.Millisecond
	if gap := times[1].Sub(times[0]); gap >= window/2 {
		t.Fatalf("second open should not wait, gap %v", gap)
	}
	if gap := times[2].Sub(times[1]); gap < window-slack {
		t.Fatalf("third open came after %v, want >= %v", gap, window)
	}
	if gap := times[4].Sub(times[3]); gap < window-slack {
		t.Fatalf("fifth open came after %v, want >= %v", gap, window)
	}
	if m.Stats().RateLimitWaits != 2 {
		t.Fatalf("expected 2 rate limit waits, got %d", m.Stats().RateLimitWaits)
	}
}

func (d *fakeDialer) openTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func TestOpenWindowSpansCalls(t *testing.T) {
	window := 300 * time.Millisecond
	m, d, _ := newTestMultiplexer(testConfig(1, 2, int(window/time.Millisecond)))
	defer m.Close()
	ctx := context.Background()

	if err := m.RequestSubscription(ctx, requests("A"), models.RealmPublic); err != nil {
		t.Fatalf("first RequestSubscription: %v", err)
	}
	time.Sleep(window + window/5)

	// B packs onto the first connection, C D E need new ones
	if err := m.RequestSubscription(ctx, requests("B", "C", "D", "E"), models.RealmPublic); err != nil {
		t.Fatalf("second RequestSubscription: %v", err)
	}

	times := d.openTimes()
	if len(times) != 4 {
		t.Fatalf("expected 4 opens, got %d", len(times))
	}
	if gap := times[2].Sub(times[1]); gap >= window/2 {
		t.Fatalf("second open of a fresh window should not wait, gap %v", gap)
	}
	slack := 10 * time.Millisecond
	if gap := times[3].Sub(times[1]); gap < window-slack {
		t.Fatalf("3 opens within %v, quota is 2 per %v", gap, window)
	}
	if m.Stats().RateLimitWaits != 1 {
		t.Fatalf("expected 1 rate limit wait, got %d", m.Stats().RateLimitWaits)
	}
}

func TestLeftoverOpensDoNotCarryIntoLaterCall(t *testing.T) {
	window := 300 * time.Millisecond
	m, d, reg := newTestMultiplexer(testConfig(1, 3, int(window/time.Millisecond)))
	defer m.Close()
	ctx := context.Background()

	if err := m.RequestSubscription(ctx, requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	first := reg.Connections(models.RealmPublic)[0]
	reg.Register(first, models.Channel{ID: 0, Symbol: "A", Request: requests("A")[0]}, models.RealmPublic)

	// same window: two opens left, the third must wait for the window to end
	if err := m.RequestSubscription(ctx, requests("B", "C", "D"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	times := d.openTimes()
	if len(times) != 4 {
		t.Fatalf("expected 4 opens, got %d", len(times))
	}
	if gap := times[3].Sub(times[0]); gap < window-10*time.Millisecond {
		t.Fatalf("fourth open came %v after the first, want >= %v", gap, window)
	}
}

func TestSendIsPaced(t *testing.T) {
	cfg := testConfig(10, 1, 1000)
	cfg.Reader.SendRate = 20
	cfg.Reader.SendBurst = 1
	m, d, _ := newTestMultiplexer(cfg)
	defer m.Close()

	start := time.Now()
	if err := m.RequestSubscription(context.Background(), requests("A", "B", "C", "D"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Fatalf("4 sends at 20/s finished in %v", elapsed)
	}
	if got := len(d.opened()[0].sentRequests(t)); got != 4 {
		t.Fatalf("expected 4 requests sent, got %d", got)
	}
}

func TestFailedDispatchForgetsConnection(t *testing.T) {
	m, d, reg := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()
	d.sendErr = errors.New("broken pipe")

	if err := m.RequestSubscription(context.Background(), requests("A", "B"), models.RealmPublic); err == nil {
		t.Fatalf("expected dispatch error")
	}
	if ids := reg.Connections(models.RealmPublic); len(ids) != 0 {
		t.Fatalf("failed connection still registered: %v", ids)
	}
	if n := len(d.opened()); n != 1 {
		t.Fatalf("expected one dial, got %d", n)
	}
}

func TestResultQueueIgnoresSinkBuffer(t *testing.T) {
	cfg := testConfig(10, 1, 1000)
	cfg.Channels.SinkBuffer = 1024
	m, _, _ := newTestMultiplexer(cfg)
	defer m.Close()

	if c := m.ResultQueue().Cap(); c != channel.ResultCapacity {
		t.Fatalf("result queue capacity %d, want %d", c, channel.ResultCapacity)
	}
}

func TestSubscriptionsShareSingleConnection(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(1000000, 1, 4000))
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, sym := range []string{"A", "B"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			errs <- m.Subscribe(ctx, models.ChannelTicker, []string{sym})
		}(sym)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	conns := d.opened()
	if len(conns) != 1 {
		t.Fatalf("expected a single connection, got %d", len(conns))
	}
	if got := len(conns[0].sentRequests(t)); got != 2 {
		t.Fatalf("expected both requests on the connection, got %d", got)
	}
}

func TestPrivateRealmUnavailable(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()

	err := m.RequestSubscription(context.Background(), requests("A"), models.RealmPrivate)
	if !errors.Is(err, ErrRealmUnavailable) {
		t.Fatalf("expected ErrRealmUnavailable, got %v", err)
	}
	if len(d.opened()) != 0 {
		t.Fatalf("no connection should be opened")
	}
}

func TestSubscribeUnsupportedChannel(t *testing.T) {
	m, _, _ := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()

	if err := m.Subscribe(context.Background(), models.ChannelOHLCV, []string{"A"}); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}
}

func TestUnknownResponseStopsReadLoop(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()

	if err := m.RequestSubscription(context.Background(), requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	c := d.opened()[0]
	c.inbox <- []byte("hello")
	c.inbox <- []byte("quiet")
	c.inbox <- []byte("bogus")
	c.inbox <- []byte("after")

	select {
	case ev := <-m.Results():
		if ev.Label != models.LabelTicker || ev.Payload != "hello" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	if err := m.Wait(); !errors.Is(err, ErrUnknownResponse) {
		t.Fatalf("expected ErrUnknownResponse, got %v", err)
	}
	select {
	case ev := <-m.Results():
		t.Fatalf("no event expected after failure, got %+v", ev)
	default:
	}
	if s := m.Stats(); s.ReadLoopFailures != 1 || s.EventsEmitted != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if err := m.Send(context.Background(), m.registry.Connections(models.RealmPublic)[0], requests("B")); err == nil {
		t.Fatalf("send on a stopped connection should fail")
	}
}

func TestResultQueueBackpressure(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()

	if err := m.RequestSubscription(context.Background(), requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	c := d.opened()[0]
	for _, msg := range []string{"1", "2", "3"} {
		c.inbox <- []byte(msg)
	}

	time.Sleep(20 * time.Millisecond)
	if s := m.Stats(); s.EventsEmitted != 1 {
		t.Fatalf("read loop should block behind the full queue, emitted %d", s.EventsEmitted)
	}
	for _, want := range []string{"1", "2", "3"} {
		ev := <-m.Results()
		if ev.Payload != want {
			t.Fatalf("got %v, want %s", ev.Payload, want)
		}
	}
}

func TestSendDispatchesEveryRequest(t *testing.T) {
	m, d, reg := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()
	ctx := context.Background()

	if err := m.RequestSubscription(ctx, requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	id := reg.Connections(models.RealmPublic)[0]
	if err := m.Send(ctx, id, requests("X", "Y", "Z")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	seen := map[string]bool{}
	for _, r := range d.opened()[0].sentRequests(t) {
		seen[r.Channels[0].ProductIDs[0]] = true
	}
	for _, want := range []string{"A", "X", "Y", "Z"} {
		if !seen[want] {
			t.Fatalf("request %s not sent, got %v", want, seen)
		}
	}
}

func TestUnsubscribeSendsOnOwningConnection(t *testing.T) {
	m, d, reg := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()
	ctx := context.Background()

	if err := m.RequestSubscription(ctx, requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	id := reg.Connections(models.RealmPublic)[0]
	reg.Register(id, models.Channel{
		ID:          4,
		Name:        models.ChannelTicker,
		Symbol:      "A",
		ExChannelID: models.ExChannelID{Name: "ticker", ProductID: "A"},
		Request:     requests("A")[0],
	}, models.RealmPublic)

	if err := m.Unsubscribe(ctx, 4, 99); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	sent := d.opened()[0].sentRequests(t)
	last := sent[len(sent)-1]
	if last.Type != "unsubscribe" || last.Channels[0].ProductIDs[0] != "A" {
		t.Fatalf("unexpected unsubscribe request %+v", last)
	}
	if got := m.Channels(); len(got) != 1 {
		t.Fatalf("channel should stay registered until acknowledged, got %+v", got)
	}
}

func TestCloseEndsReadLoops(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(1, 10, 1000))

	if err := m.RequestSubscription(context.Background(), requests("A", "B"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Wait(); err != nil {
		t.Fatalf("Wait after Close: %v", err)
	}
	if _, ok := <-m.Results(); ok {
		t.Fatalf("results should be closed")
	}
	for i, c := range d.opened() {
		select {
		case <-c.closed:
		default:
			t.Fatalf("connection %d not closed", i)
		}
	}
	if err := m.RequestSubscription(context.Background(), requests("C"), models.RealmPublic); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPeerCloseEndsLoopWithoutError(t *testing.T) {
	m, d, _ := newTestMultiplexer(testConfig(10, 1, 1000))
	defer m.Close()

	if err := m.RequestSubscription(context.Background(), requests("A"), models.RealmPublic); err != nil {
		t.Fatal(err)
	}
	close(d.opened()[0].inbox)
	if err := m.Wait(); err != nil {
		t.Fatalf("expected clean end of stream, got %v", err)
	}
}
