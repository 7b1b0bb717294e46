package domain

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConnection   = errors.New("connection outbound buffer full")
	ErrInvalidTarget    = errors.New("invalid delivery target")
	ErrUnknownMessage   = errors.New("unknown message type")
)
