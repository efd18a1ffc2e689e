package channel

import (
	"sync"

	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type realmState struct {
	order    []models.ConnID
	channels map[models.ConnID][]models.Channel
	pending  map[models.ConnID][]models.Request
}

func newRealmState() *realmState {
	return &realmState{
		channels: make(map[models.ConnID][]models.Channel),
		pending:  make(map[models.ConnID][]models.Request),
	}
}

func (s *realmState) pendingCount() int {
	n := 0
	for _, reqs := range s.pending {
		n += len(reqs)
	}
	return n
}

// Registry tracks the confirmed channels of every connection and the
// subscribe requests still waiting for a confirmation, per realm.
type Registry struct {
	mu     sync.Mutex
	realms map[models.Realm]*realmState
	log    *logger.Entry
}

func NewRegistry() *Registry {
	r := &Registry{
		realms: make(map[models.Realm]*realmState, len(models.Realms)),
		log:    logger.GetLogger().WithComponent("registry"),
	}
	for _, realm := range models.Realms {
		r.realms[realm] = newRealmState()
	}
	return r
}

func (r *Registry) realm(realm models.Realm) *realmState {
	s, ok := r.realms[realm]
	if !ok {
		s = newRealmState()
		r.realms[realm] = s
	}
	return s
}

// ClaimChannelID returns 0 when no channel exists in any realm, otherwise
// one more than the highest id in use.
func (r *Registry) ClaimChannelID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimLocked()
}

func (r *Registry) claimLocked() int {
	next := 0
	for _, realm := range models.Realms {
		for _, chans := range r.realm(realm).channels {
			for _, c := range chans {
				if c.ID >= next {
					next = c.ID + 1
				}
			}
		}
	}
	return next
}

// AddConnection registers conn with an empty channel list.
func (r *Registry) AddConnection(realm models.Realm, conn models.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.realm(realm)
	if _, ok := s.channels[conn]; ok {
		return
	}
	s.order = append(s.order, conn)
	s.channels[conn] = []models.Channel{}
}

// RemoveConnection forgets conn with its channels and pending requests. It
// is meant for connections that never got a read loop; connections whose
// loop ended stay registered.
func (r *Registry) RemoveConnection(realm models.Realm, conn models.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.realm(realm)
	for i, id := range s.order {
		if id == conn {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.channels, conn)
	delete(s.pending, conn)
	metrics.SetPending(string(realm), s.pendingCount())
}

// AddPending records requests dispatched on conn that the venue has not
// confirmed yet.
func (r *Registry) AddPending(realm models.Realm, conn models.ConnID, reqs []models.Request) {
	if len(reqs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.realm(realm)
	s.pending[conn] = append(s.pending[conn], reqs...)
	metrics.SetPending(string(realm), s.pendingCount())
}

// Register appends channel to conn's list and drops the matching pending
// request. The pending entry of conn goes away once its list is empty.
func (r *Registry) Register(conn models.ConnID, channel models.Channel, realm models.Realm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(conn, channel, realm)
}

func (r *Registry) registerLocked(conn models.ConnID, channel models.Channel, realm models.Realm) {
	s := r.realm(realm)
	if _, ok := s.channels[conn]; !ok {
		s.order = append(s.order, conn)
	}
	s.channels[conn] = append(s.channels[conn], channel)

	if reqs, ok := s.pending[conn]; ok {
		for i := range reqs {
			if reqs[i].Equal(channel.Request) {
				reqs = append(reqs[:i], reqs[i+1:]...)
				break
			}
		}
		if len(reqs) == 0 {
			delete(s.pending, conn)
		} else {
			s.pending[conn] = reqs
		}
	}

	metrics.ChannelConfirmed(string(realm), string(channel.Name))
	metrics.SetPending(string(realm), s.pendingCount())
	r.log.WithFields(logger.Fields{
		"realm":      realm,
		"connection": conn,
		"channel_id": channel.ID,
		"channel":    channel.Name,
		"symbol":     channel.Symbol,
	}).Debug("channel registered")
}

// ConfirmSubscription turns a venue confirmation into a registered channel.
// ids are the venue ids the confirmation lists as subscribed; the first one
// whose symbol is not yet registered on any connection is taken as the new
// channel. Confirmations batching several new ids only register the first.
// symbolOf maps a venue id to its unified symbol. The second return value is
// false when no listed id is new.
func (r *Registry) ConfirmSubscription(conn models.ConnID, realm models.Realm, exName string, name models.ChannelName, ids []string, symbolOf func(id string) (string, bool)) (models.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]struct{})
	for _, rs := range models.Realms {
		for _, chans := range r.realm(rs).channels {
			for _, c := range chans {
				known[c.Symbol] = struct{}{}
			}
		}
	}

	for _, id := range ids {
		symbol, ok := symbolOf(id)
		if !ok {
			continue
		}
		if _, seen := known[symbol]; seen {
			continue
		}
		channel := models.Channel{
			ID:          r.claimLocked(),
			Name:        name,
			Symbol:      symbol,
			ExChannelID: models.ExChannelID{Name: exName, ProductID: id},
			Request:     models.NewSubscribeRequest(exName, id),
		}
		r.registerLocked(conn, channel, realm)
		return channel, true
	}
	return models.Channel{}, false
}

// Unregister removes the channel identified by ex and returns it.
func (r *Registry) Unregister(ex models.ExChannelID) (models.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, realm := range models.Realms {
		s := r.realm(realm)
		for _, conn := range s.order {
			chans := s.channels[conn]
			for i, c := range chans {
				if c.ExChannelID == ex {
					s.channels[conn] = append(chans[:i], chans[i+1:]...)
					return c, true
				}
			}
		}
	}
	return models.Channel{}, false
}

// Lookup finds a confirmed channel by id along with its connection and realm.
func (r *Registry) Lookup(id int) (models.Channel, models.ConnID, models.Realm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, realm := range models.Realms {
		s := r.realm(realm)
		for _, conn := range s.order {
			for _, c := range s.channels[conn] {
				if c.ID == id {
					return c, conn, realm, true
				}
			}
		}
	}
	return models.Channel{}, "", "", false
}

// AllChannels flattens public then private channels, connections in the
// order they were added and channels in subscription order.
func (r *Registry) AllChannels() []models.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Channel
	for _, realm := range models.Realms {
		s := r.realm(realm)
		for _, conn := range s.order {
			out = append(out, s.channels[conn]...)
		}
	}
	return out
}

// Channels returns a copy of conn's channel list.
func (r *Registry) Channels(realm models.Realm, conn models.ConnID) []models.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Channel(nil), r.realm(realm).channels[conn]...)
}

// Connections returns the realm's connections in the order they were added.
func (r *Registry) Connections(realm models.Realm) []models.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnID(nil), r.realm(realm).order...)
}

// Pending returns a copy of conn's unconfirmed requests.
func (r *Registry) Pending(realm models.Realm, conn models.ConnID) []models.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Request(nil), r.realm(realm).pending[conn]...)
}

// HasPending reports whether conn has a pending entry at all.
func (r *Registry) HasPending(realm models.Realm, conn models.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.realm(realm).pending[conn]
	return ok
}

// Remaining returns how many more channels conn may carry. Pending requests
// are not counted against the limit.
func (r *Registry) Remaining(realm models.Realm, conn models.ConnID, maxChannels int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maxChannels - len(r.realm(realm).channels[conn])
}
