package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownResponse is returned by a reply parser for a message type it
	// does not recognize. It terminates the connection's read loop.
	ErrUnknownResponse = errors.New("unknown response")
	// ErrUnknownMarket is returned when a reply names a product id that is
	// not in the market table.
	ErrUnknownMarket = errors.New("unknown market")
	// ErrUnsupportedChannel is returned when the venue has no such channel.
	ErrUnsupportedChannel = errors.New("unsupported channel")
	// ErrRealmUnavailable is returned when a realm allows no connections.
	ErrRealmUnavailable = errors.New("realm unavailable")
	// ErrClosed is returned by operations on a closed multiplexer.
	ErrClosed = errors.New("multiplexer closed")
)

// VenueError carries a rejection or fault reported by the venue. Like
// ErrUnknownResponse it terminates the read loop and is never retried.
type VenueError struct {
	Message string
	Reason  string
}

func (e *VenueError) Error() string {
	msg := fmt.Sprintf("Error: %s.", e.Message)
	if e.Reason != "" {
		msg += "\nReason: " + e.Reason
	}
	return msg
}
