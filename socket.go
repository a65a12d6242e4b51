package jcore

import (
	"net"

	"github.com/pkg/errors"
)

// MessageSocket is a transport that moves whole text messages.
//
// Send transmits one complete message; concurrent Sends must not
// interleave. Recv returns exactly one complete message, or an error: one
// for which IsTimeout reports true means "nothing yet, poll again", anything
// else means the transport is gone. Close releases the transport.
type MessageSocket interface {
	Send(message string) error
	Recv() (string, error)
	Close() error
}

// ErrRecvTimeout is returned by Recv when its poll interval elapses with no
// message. It is not a failure.
var ErrRecvTimeout = errors.New("receive timed out")

// ErrSocketClosed is returned by the sockets in this package once they have
// been closed locally.
var ErrSocketClosed = errors.New("socket closed")

// IsTimeout reports whether err from MessageSocket.Recv only means that no
// message arrived in time.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrRecvTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isLocallyClosed reports whether the transport behind err was already
// closed, so closing it again would be redundant.
func isLocallyClosed(err error) bool {
	return errors.Is(err, ErrSocketClosed) || errors.Is(err, net.ErrClosed)
}
