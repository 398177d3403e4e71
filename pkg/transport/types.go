// Package transport hosts the server-side transport adapters. Adapters
// implement core.Transport; the channel layer never sees sockets, only
// client ids and frames.
package transport

import (
	"errors"
	"fmt"
)

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrSendQueueFull   = errors.New("send queue is full")
)

type ErrClientNotFound struct {
	ClientId string
}

func (e ErrClientNotFound) Error() string {
	return fmt.Sprintf("client %s not found", e.ClientId)
}

// CloseCode is a transport-independent close reason; adapters map it to
// their protocol's own codes.
type CloseCode int

const (
	CloseNormal CloseCode = iota
	CloseGoingAway
	ClosePolicyViolation
	CloseInternalError
)
