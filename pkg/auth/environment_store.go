package auth

import (
	"os"
	"time"
)

// Environment variables read by EnvironmentStore
const (
	EnvSessionID = "TIKFETCH_SESSION_ID"
	EnvMSToken   = "TIKFETCH_MS_TOKEN"
	EnvUserAgent = "TIKFETCH_USER_AGENT"
)

// EnvironmentStore exposes a read-only profile built from environment
// variables. It suits containers where no keychain exists.
type EnvironmentStore struct{}

// NewEnvironmentStore creates an environment-backed store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported
func (e *EnvironmentStore) Store(profile *Profile) error {
	return ErrStoreUnavailable
}

// Retrieve builds the profile from the environment. The name is only
// used to label it.
func (e *EnvironmentStore) Retrieve(name string) (*Profile, error) {
	sessionID := os.Getenv(EnvSessionID)
	if sessionID == "" {
		return nil, ErrProfileNotFound
	}
	if name == "" {
		name = "env"
	}

	return &Profile{
		Name:         name,
		SessionID:    sessionID,
		MSToken:      os.Getenv(EnvMSToken),
		UserAgent:    os.Getenv(EnvUserAgent),
		LastModified: time.Now(),
	}, nil
}

// List returns the environment profile when one is set
func (e *EnvironmentStore) List() ([]*Profile, error) {
	p, err := e.Retrieve("")
	if err != nil {
		return []*Profile{}, nil
	}
	return []*Profile{p}, nil
}

// Delete is not supported
func (e *EnvironmentStore) Delete(name string) error {
	return ErrStoreUnavailable
}

// Exists checks if the environment carries a session
func (e *EnvironmentStore) Exists(name string) bool {
	return os.Getenv(EnvSessionID) != ""
}
