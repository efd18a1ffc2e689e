package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cryptofeed/config"
	"cryptofeed/internal/channel"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type Stats struct {
	ConnectionsOpened int64 `json:"connections_opened"`
	RateLimitWaits    int64 `json:"rate_limit_waits"`
	RequestsSent      int64 `json:"requests_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	EventsEmitted     int64 `json:"events_emitted"`
	ReadLoopFailures  int64 `json:"read_loop_failures"`
}

type connection struct {
	id    models.ConnID
	realm models.Realm
	conn  Conn
	// paces outbound messages; nil when unlimited
	pacer *rate.Limiter
}

// realmGate serializes subscription calls of one realm and holds its
// connection open window: at most quota opens between windowStart and
// windowStart+window. The window starts with its first open.
type realmGate struct {
	mu          sync.Mutex
	quota       int
	window      time.Duration
	opened      int
	windowStart time.Time
}

// Multiplexer spreads subscribe requests over websocket connections,
// opening new ones within the realm's rate limit, and funnels every
// connection's parsed replies into one result queue.
type Multiplexer struct {
	cfg      *config.Config
	adapter  Adapter
	dialer   Dialer
	registry *channel.Registry
	results  *channel.Results

	gates map[models.Realm]*realmGate

	mu     sync.RWMutex
	conns  map[models.ConnID]*connection
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	errs  []error

	stats Stats
	log   *logger.Log
}

func NewMultiplexer(cfg *config.Config, adapter Adapter, dialer Dialer, registry *channel.Registry) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		cfg:      cfg,
		adapter:  adapter,
		dialer:   dialer,
		registry: registry,
		results:  channel.NewResults(),
		gates:    make(map[models.Realm]*realmGate, len(models.Realms)),
		conns:    make(map[models.ConnID]*connection),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.GetLogger(),
	}

	for _, realm := range models.Realms {
		rc := cfg.Realms.Realm(realm)
		m.gates[realm] = &realmGate{
			quota:  rc.MaxConnections.Count,
			window: rc.MaxConnections.Window(),
		}
	}

	m.log.WithComponent("multiplexer").WithFields(logger.Fields{
		"exchange":            adapter.Name(),
		"public_endpoint":     cfg.Realms.Public.Endpoint,
		"max_channels":        cfg.Realms.Public.MaxChannels,
		"max_connections":     cfg.Realms.Public.MaxConnections.Count,
		"max_connections_win": cfg.Realms.Public.MaxConnections.WindowMs,
	}).Info("multiplexer initialized")

	return m
}

// Subscribe builds one request per symbol for the logical channel and hands
// them to RequestSubscription.
func (m *Multiplexer) Subscribe(ctx context.Context, name models.ChannelName, symbols []string) error {
	reqs, realm, err := m.adapter.BuildSubscribe(name, symbols)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	return m.RequestSubscription(ctx, reqs, realm)
}

// RequestSubscription places requests, in order, first on existing
// connections with spare channel slots and then on newly opened ones. It
// returns once every request is dispatched and the read loops of new
// connections are running. Calls for the same realm run one at a time.
func (m *Multiplexer) RequestSubscription(ctx context.Context, requests []models.Request, realm models.Realm) error {
	if len(requests) == 0 {
		return nil
	}
	gate, ok := m.gates[realm]
	if !ok || gate.quota <= 0 {
		return fmt.Errorf("%s: %w", realm, ErrRealmUnavailable)
	}
	rc := m.cfg.Realms.Realm(realm)

	gate.mu.Lock()
	defer gate.mu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}

	log := m.log.WithComponent("multiplexer").WithFields(logger.Fields{"realm": realm})
	queue := append([]models.Request(nil), requests...)

	for _, id := range m.registry.Connections(realm) {
		if len(queue) == 0 {
			break
		}
		c := m.connection(id)
		if c == nil {
			continue
		}
		slots := m.registry.Remaining(realm, id, rc.MaxChannels)
		if slots <= 0 {
			continue
		}
		n := min(slots, len(queue))
		if err := m.dispatch(ctx, c, queue[:n]); err != nil {
			return err
		}
		log.WithFields(logger.Fields{"connection": id, "requests": n}).Debug("packed requests on existing connection")
		queue = queue[n:]
	}

	for len(queue) > 0 {
		if err := m.throttle(ctx, realm, gate); err != nil {
			return err
		}
		c, err := m.open(ctx, realm, rc.Endpoint)
		if err != nil {
			return err
		}
		n := min(rc.MaxChannels, len(queue))
		if err := m.dispatch(ctx, c, queue[:n]); err != nil {
			m.drop(c)
			return err
		}
		queue = queue[n:]

		m.wg.Add(1)
		go m.consume(c)
		log.WithFields(logger.Fields{"connection": c.id, "requests": n}).Info("connection opened")
	}
	return nil
}

// Send encodes every request and writes them concurrently on conn. It
// returns when all writes are done; the order they hit the wire is not fixed.
func (m *Multiplexer) Send(ctx context.Context, conn models.ConnID, requests []models.Request) error {
	c := m.connection(conn)
	if c == nil {
		return fmt.Errorf("send: connection %s is not open", conn)
	}
	return m.send(ctx, c, requests)
}

func (m *Multiplexer) send(ctx context.Context, c *connection, requests []models.Request) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			data, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			if c.pacer != nil {
				if err := c.pacer.Wait(gctx); err != nil {
					return fmt.Errorf("pace send on %s: %w", c.id, err)
				}
			}
			if err := c.conn.Send(gctx, data); err != nil {
				return fmt.Errorf("send on %s: %w", c.id, err)
			}
			atomic.AddInt64(&m.stats.RequestsSent, 1)
			return nil
		})
	}
	return g.Wait()
}

// Unsubscribe sends unsubscribe requests for the given channel ids on the
// connections that carry them. Unknown ids are skipped. The channels are
// unregistered when the venue acknowledges them.
func (m *Multiplexer) Unsubscribe(ctx context.Context, channelIDs ...int) error {
	byConn := make(map[models.ConnID][]models.Request)
	var order []models.ConnID
	for _, id := range channelIDs {
		ch, conn, _, ok := m.registry.Lookup(id)
		if !ok {
			m.log.WithComponent("multiplexer").WithFields(logger.Fields{"channel_id": id}).Warn("unsubscribe for unknown channel")
			continue
		}
		if _, seen := byConn[conn]; !seen {
			order = append(order, conn)
		}
		byConn[conn] = append(byConn[conn], m.adapter.BuildUnsubscribe(ch))
	}

	var errs []error
	for _, conn := range order {
		if err := m.Send(ctx, conn, byConn[conn]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Results is the queue every read loop feeds. It is closed by Close.
func (m *Multiplexer) Results() <-chan models.Event {
	return m.results.C
}

// Channels lists every confirmed channel.
func (m *Multiplexer) Channels() []models.Channel {
	return m.registry.AllChannels()
}

// Wait blocks until every read loop has ended and returns their errors.
func (m *Multiplexer) Wait() error {
	m.wg.Wait()
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return errors.Join(m.errs...)
}

// Close closes every connection, waits for the read loops and closes the
// result queue.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, c := range conns {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.id, err))
		}
	}
	m.wg.Wait()
	m.results.Close()

	m.log.WithComponent("multiplexer").WithFields(logger.Fields{"connections": len(conns)}).Info("multiplexer closed")
	return errors.Join(errs...)
}

func (m *Multiplexer) Stats() Stats {
	return Stats{
		ConnectionsOpened: atomic.LoadInt64(&m.stats.ConnectionsOpened),
		RateLimitWaits:    atomic.LoadInt64(&m.stats.RateLimitWaits),
		RequestsSent:      atomic.LoadInt64(&m.stats.RequestsSent),
		MessagesReceived:  atomic.LoadInt64(&m.stats.MessagesReceived),
		EventsEmitted:     atomic.LoadInt64(&m.stats.EventsEmitted),
		ReadLoopFailures:  atomic.LoadInt64(&m.stats.ReadLoopFailures),
	}
}

// ResultQueue exposes the result queue for occupancy metrics.
func (m *Multiplexer) ResultQueue() metrics.QueueSizer {
	return m.results
}

func (m *Multiplexer) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Multiplexer) connection(id models.ConnID) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// throttle blocks until one more connection may be opened in realm. Once
// quota opens happened in the current window it sleeps until the window
// ends and starts a new one.
func (m *Multiplexer) throttle(ctx context.Context, realm models.Realm, g *realmGate) error {
	if g.opened > 0 && time.Since(g.windowStart) >= g.window {
		g.opened = 0
	}
	if g.opened >= g.quota {
		if wait := time.Until(g.windowStart.Add(g.window)); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return fmt.Errorf("wait for %s connection window: %w", realm, err)
			}
			atomic.AddInt64(&m.stats.RateLimitWaits, 1)
			metrics.RateLimitWaited(string(realm), wait)
			m.log.WithComponent("multiplexer").WithFields(logger.Fields{
				"realm":  realm,
				"waited": wait.String(),
				"opens":  g.quota,
				"window": g.window.String(),
			}).Debug("connection open limit reached, waited for next window")
		}
		g.opened = 0
	}
	if g.opened == 0 {
		g.windowStart = time.Now()
	}
	g.opened++
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newPacer limits outbound messages on one connection to the configured
// send rate. A zero rate means no limit.
func newPacer(cfg config.ReaderConfig) *rate.Limiter {
	if cfg.SendRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendBurst, 1))
}

func (m *Multiplexer) open(ctx context.Context, realm models.Realm, endpoint string) (*connection, error) {
	conn, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", realm, err)
	}
	c := &connection{
		id:    models.ConnID(uuid.NewString()),
		realm: realm,
		conn:  conn,
		pacer: newPacer(m.cfg.Reader),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	m.registry.AddConnection(realm, c.id)
	atomic.AddInt64(&m.stats.ConnectionsOpened, 1)
	metrics.ConnectionOpened(string(realm))
	return c, nil
}

// dispatch records requests as pending on c and sends them.
func (m *Multiplexer) dispatch(ctx context.Context, c *connection, reqs []models.Request) error {
	m.registry.AddPending(c.realm, c.id, reqs)
	return m.send(ctx, c, reqs)
}

// drop forgets a connection whose read loop never started.
func (m *Multiplexer) drop(c *connection) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	m.registry.RemoveConnection(c.realm, c.id)
	c.conn.Close()
	metrics.ConnectionClosed(string(c.realm))
}

func (m *Multiplexer) consume(c *connection) {
	defer m.wg.Done()
	log := m.log.WithComponent("multiplexer").WithFields(logger.Fields{
		"connection": c.id,
		"realm":      c.realm,
	})

	err := m.readLoop(c)

	// channels stay registered; the connection just stops taking requests
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	c.conn.Close()
	metrics.ConnectionClosed(string(c.realm))

	if err != nil {
		err = fmt.Errorf("connection %s: %w", c.id, err)
		m.errMu.Lock()
		m.errs = append(m.errs, err)
		m.errMu.Unlock()
		atomic.AddInt64(&m.stats.ReadLoopFailures, 1)
		metrics.ReadLoopFailed(string(c.realm))
		log.WithError(err).Error("read loop stopped")
		return
	}
	log.Info("read loop finished")
}

func (m *Multiplexer) readLoop(c *connection) error {
	for {
		data, err := c.conn.Receive(m.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || m.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		atomic.AddInt64(&m.stats.MessagesReceived, 1)
		logger.RecordEvent("frame", len(data))

		ev, err := m.adapter.ParseReply(c.id, c.realm, data)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if !m.results.Send(m.ctx, *ev) {
			return nil
		}
		atomic.AddInt64(&m.stats.EventsEmitted, 1)
	}
}
