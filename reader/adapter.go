package reader

import "cryptofeed/models"

// Adapter is the venue specific half of the multiplexer. It owns the wire
// shapes of requests and replies; the multiplexer only moves bytes.
type Adapter interface {
	Name() string

	// BuildSubscribe returns one subscribe request per symbol, in symbol
	// order, and the realm the channel lives in.
	BuildSubscribe(name models.ChannelName, symbols []string) ([]models.Request, models.Realm, error)

	// BuildUnsubscribe returns the request that drops a confirmed channel.
	BuildUnsubscribe(ch models.Channel) models.Request

	// ParseReply classifies one inbound message received on conn. A nil
	// event with a nil error means the message was consumed without output.
	ParseReply(conn models.ConnID, realm models.Realm, data []byte) (*models.Event, error)
}
