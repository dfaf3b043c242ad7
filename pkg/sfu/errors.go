package sfu

import "errors"

var (
	ErrStreamClosed   = errors.New("stream closed")
	ErrEndpointClosed = errors.New("endpoint closed")
	ErrUnknownSSRC    = errors.New("unknown ssrc")
	ErrStreamExists   = errors.New("stream already exists")
	ErrQueueFull      = errors.New("queue full")
	ErrSessionExists  = errors.New("session already bound")
)
