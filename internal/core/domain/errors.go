package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrNotInRoom           = errors.New("not in room")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already registered")
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrTransportLost       = errors.New("transport lost")
	ErrSessionClosed       = errors.New("session closed")
)
