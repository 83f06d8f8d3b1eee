package phoenix

import "errors"

var (
	// ErrHandshakeFailed means the server refused the WebSocket upgrade,
	// typically because the token was rejected.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrJoinTimeout means no join reply arrived in time.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrJoinRejected means the server answered a join with an error status.
	ErrJoinRejected = errors.New("join rejected")
	// ErrConnectionClosed means the socket is gone for good.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotJoined means a send was attempted on a channel without a live join.
	ErrNotJoined = errors.New("channel not joined")
	// ErrTransport wraps a socket write failure.
	ErrTransport = errors.New("transport error")
)
