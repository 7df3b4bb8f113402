// Package keystore holds the optional speech-service credential and the voice
// panel display toggle. The credential is shown and persisted, never used for
// transcription.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/loqalabs/cursor-bridge/internal/config"
)

const (
	CredentialKey = "elevenlabs_api_key"
	DisplayKey    = "show_voice_commands"
)

// ErrEmptyKey is returned when Set is given a blank value.
var ErrEmptyKey = errors.New("api key must not be empty")

// Preferences is the persisted key/value surface, backed by the event store.
type Preferences interface {
	GetPreference(ctx context.Context, key string) (string, bool, error)
	SetPreference(ctx context.Context, key, value string) error
	DeletePreference(ctx context.Context, key string) error
}

// Source tells where the effective credential comes from.
type Source string

const (
	SourceEnv    Source = "env"
	SourceStored Source = "stored"
	SourceNone   Source = "none"
)

// Store resolves the credential: the environment value when present and not
// the placeholder, otherwise the persisted one.
type Store struct {
	env   string
	prefs Preferences
}

func New(envValue string, prefs Preferences) *Store {
	return &Store{env: strings.TrimSpace(envValue), prefs: prefs}
}

func (s *Store) envKey() (string, bool) {
	if s.env == "" || s.env == config.PlaceholderAPIKey {
		return "", false
	}
	return s.env, true
}

// Get returns the effective credential.
func (s *Store) Get(ctx context.Context) (string, bool, error) {
	if key, ok := s.envKey(); ok {
		return key, true, nil
	}
	value, ok, err := s.prefs.GetPreference(ctx, CredentialKey)
	if err != nil || !ok || value == "" {
		return "", false, err
	}
	return value, true, nil
}

// Has reports presence with the same precedence as Get.
func (s *Store) Has(ctx context.Context) (bool, error) {
	_, ok, err := s.Get(ctx)
	return ok, err
}

func (s *Store) Source(ctx context.Context) (Source, error) {
	if _, ok := s.envKey(); ok {
		return SourceEnv, nil
	}
	ok, err := s.Has(ctx)
	if err != nil {
		return SourceNone, err
	}
	if ok {
		return SourceStored, nil
	}
	return SourceNone, nil
}

// Set persists value. The environment value, if any, keeps precedence.
func (s *Store) Set(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrEmptyKey
	}
	return s.prefs.SetPreference(ctx, CredentialKey, value)
}

// Clear removes the persisted value only.
func (s *Store) Clear(ctx context.Context) error {
	return s.prefs.DeletePreference(ctx, CredentialKey)
}

// Toggle is a JSON-encoded boolean preference.
type Toggle struct {
	prefs Preferences
	key   string
	def   bool
}

func NewToggle(prefs Preferences, key string, def bool) *Toggle {
	return &Toggle{prefs: prefs, key: key, def: def}
}

// Get returns the stored value, or the default when absent or unreadable.
func (t *Toggle) Get(ctx context.Context) (bool, error) {
	raw, ok, err := t.prefs.GetPreference(ctx, t.key)
	if err != nil {
		return t.def, err
	}
	if !ok {
		return t.def, nil
	}
	var value bool
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return t.def, nil
	}
	return value, nil
}

func (t *Toggle) Set(ctx context.Context, value bool) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.prefs.SetPreference(ctx, t.key, string(data))
}
