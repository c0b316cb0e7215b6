package session

import (
	"context"

	"github.com/advisor-llm-bot/internal/keylock"
	"github.com/rs/zerolog"
)

// Selection is the outcome of switching a chat to a profile
type Selection struct {
	// Previous is the profile the chat had before, empty for none
	Previous string
	// FirstVisit is true the first time this chat selects the profile
	FirstVisit bool
}

// Router maps chats to their current advisor
type Router struct {
	store  Store
	locks  keylock.Map
	logger zerolog.Logger
}

// NewRouter creates a router over store
func NewRouter(store Store, logger zerolog.Logger) *Router {
	return &Router{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Lock serializes turns of one chat; call the returned func to release
func (r *Router) Lock(chatID int64) func() {
	return r.locks.Lock(chatID)
}

// Select makes profileKey the chat's current advisor
func (r *Router) Select(ctx context.Context, chatID int64, profileKey string) (Selection, error) {
	s, _, err := r.store.Get(ctx, chatID)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{
		Previous:   s.ProfileName,
		FirstVisit: !s.HasSeen(profileKey),
	}

	if sel.Previous == profileKey && !sel.FirstVisit {
		return sel, nil
	}

	s.ChatID = chatID
	s.ProfileName = profileKey
	if sel.FirstVisit {
		s.Seen = append(s.Seen, profileKey)
	}
	if err := r.store.Set(ctx, s); err != nil {
		return Selection{}, err
	}

	r.logger.Info().
		Int64("chat_id", chatID).
		Str("previous", sel.Previous).
		Str("advisor", profileKey).
		Bool("first_visit", sel.FirstVisit).
		Msg("Advisor selected")

	return sel, nil
}

// Current returns the chat's advisor key, if any
func (r *Router) Current(ctx context.Context, chatID int64) (string, bool, error) {
	s, ok, err := r.store.Get(ctx, chatID)
	if err != nil || !ok || s.ProfileName == "" {
		return "", false, err
	}
	return s.ProfileName, true, nil
}

// Clear drops the chat's current advisor but keeps the welcome history
func (r *Router) Clear(ctx context.Context, chatID int64) error {
	s, ok, err := r.store.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if len(s.Seen) == 0 {
		return r.store.Clear(ctx, chatID)
	}

	s.ProfileName = ""
	return r.store.Set(ctx, s)
}
