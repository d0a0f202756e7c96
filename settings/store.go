package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Persister loads and saves settings in durable storage.
type Persister interface {
	LoadSettings(ctx context.Context) (Settings, bool, error)
	SaveSettings(ctx context.Context, s Settings) error
}

type Store struct {
	persister Persister
	dataMu    sync.RWMutex
	data      Settings
}

// NewStore loads existing settings from the persister or uses defaults.
func NewStore(ctx context.Context, p Persister) (*Store, error) {
	s := &Store{
		persister: p,
		data:      Default(),
	}

	loaded, found, err := p.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if found {
		// Fall back to default for invalid values
		if err := loaded.Validate(); err != nil {
			slog.Warn("stored settings are invalid, using defaults", "error", err)
		} else {
			s.data = loaded
		}
	}

	return s, nil
}

func (s *Store) Get() Settings {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data.clone()
}

// Update applies fn to a copy of the current settings, validates the result
// and persists it. The in-memory value changes only if saving succeeds.
func (s *Store) Update(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	next := s.data.clone()
	if err := fn(&next); err != nil {
		return s.data.clone(), err
	}
	if err := next.Validate(); err != nil {
		return s.data.clone(), err
	}

	if err := s.persister.SaveSettings(ctx, next); err != nil {
		return s.data.clone(), fmt.Errorf("saving settings: %w", err)
	}

	s.data = next
	return next.clone(), nil
}

func (s Settings) clone() Settings {
	out := s
	out.AllowedOrigins = append([]string{}, s.AllowedOrigins...)
	return out
}
