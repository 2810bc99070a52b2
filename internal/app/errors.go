package app

import "errors"

var (
	ErrRoomNotFound = errors.New("room does not exist")
	ErrRoomEnded    = errors.New("call has ended")
	ErrRoomFull     = errors.New("room is full")
	ErrBadRoomCode  = errors.New("room code must be 4 digits")
	// ErrNotHost marks a host-only action attempted by a non-host. Callers
	// log it and mutate nothing.
	ErrNotHost = errors.New("not the room creator")
	// ErrNoSession marks an operation that needs an active session.
	ErrNoSession = errors.New("no active session")
	// ErrAlreadyInRoom rejects create/join while a session is live. Checked
	// before any store write so a rejection leaves no documents behind.
	ErrAlreadyInRoom = errors.New("already in a room")
)
