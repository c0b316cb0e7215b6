// Package session remembers which advisor each chat is talking to.
package session

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing store cannot be reached
var ErrUnavailable = errors.New("session store unavailable")

// Session is the routing state of one chat
type Session struct {
	ChatID      int64    `json:"chat_id"`
	ProfileName string   `json:"profile_name,omitempty"`
	Seen        []string `json:"seen,omitempty"`
}

// HasSeen reports whether the chat has already been shown the welcome of key
func (s *Session) HasSeen(key string) bool {
	for _, k := range s.Seen {
		if k == key {
			return true
		}
	}
	return false
}

// Store persists sessions keyed by chat id
type Store interface {
	Get(ctx context.Context, chatID int64) (Session, bool, error)
	Set(ctx context.Context, s Session) error
	Clear(ctx context.Context, chatID int64) error
}
