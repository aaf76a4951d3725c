package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"tikfetch/pkg/logger"
)

// Profile is a logged-in provider session. Some posts (age restricted,
// followers only) are only served to a session that carries these cookies.
type Profile struct {
	Name         string    `json:"name"`
	SessionID    string    `json:"session_id"`
	MSToken      string    `json:"ms_token,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Cookies returns the cookies to install in a provider session
func (p *Profile) Cookies() []*http.Cookie {
	if p == nil || p.SessionID == "" {
		return nil
	}
	cookies := []*http.Cookie{
		{Name: "sessionid", Value: p.SessionID, Path: "/"},
	}
	if p.MSToken != "" {
		cookies = append(cookies, &http.Cookie{Name: "msToken", Value: p.MSToken, Path: "/"})
	}
	return cookies
}

// Validate reports whether the profile can be stored: it needs a name and
// a session cookie, and its cookie values must be sendable as-is.
func (p *Profile) Validate() error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("%w: profile name is required", ErrInvalidProfile)
	}
	if p.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", ErrInvalidProfile)
	}
	for _, c := range p.Cookies() {
		if err := c.Valid(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProfile, c.Name, err)
		}
	}
	return nil
}

// ProfileStore stores and retrieves profiles
type ProfileStore interface {
	// Store saves a profile under its name
	Store(profile *Profile) error

	// Retrieve gets a profile by name
	Retrieve(name string) (*Profile, error)

	// List returns all stored profiles
	List() ([]*Profile, error)

	// Delete removes a profile
	Delete(name string) error

	// Exists checks if a profile is stored
	Exists(name string) bool
}

// Manager handles profile storage with fallback stores
type Manager struct {
	stores []ProfileStore
	log    logger.Logger
}

// NewManager creates a manager over the system keychain (when available),
// an encrypted file in the config directory and the environment
func NewManager(log logger.Logger) (*Manager, error) {
	log = logger.OrDefault(log).WithField("component", "auth")
	var stores []ProfileStore

	keyringStore, err := NewKeyringStore()
	if err == nil {
		stores = append(stores, keyringStore)
	} else {
		log.DebugWithFields("Keyring unavailable", map[string]interface{}{"error": err.Error()})
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "profiles.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores, log: log}, nil
}

// NewManagerWithStores creates a manager over the given stores, tried in
// order
func NewManagerWithStores(log logger.Logger, stores ...ProfileStore) *Manager {
	return &Manager{stores: stores, log: logger.OrDefault(log).WithField("component", "auth")}
}

// Store saves a profile in the first store that accepts it
func (m *Manager) Store(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	profile.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		err := store.Store(profile)
		if err == nil {
			m.log.InfoWithFields("Profile stored", map[string]interface{}{
				"profile": profile.Name,
				"store":   fmt.Sprintf("%T", store),
			})
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store profile: %w", lastErr)
	}
	return errors.New("no available profile stores")
}

// Retrieve gets a profile from the first store that has it
func (m *Manager) Retrieve(name string) (*Profile, error) {
	for _, store := range m.stores {
		if profile, err := store.Retrieve(name); err == nil && profile != nil {
			return profile, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// RetrieveDefault returns the environment profile if set, otherwise the
// most recently modified stored profile
func (m *Manager) RetrieveDefault() (*Profile, error) {
	for _, store := range m.stores {
		if envStore, ok := store.(*EnvironmentStore); ok {
			if profile, err := envStore.Retrieve(""); err == nil {
				return profile, nil
			}
		}
	}

	profiles, err := m.List()
	if err != nil {
		return nil, err
	}
	var newest *Profile
	for _, p := range profiles {
		if newest == nil || p.LastModified.After(newest.LastModified) {
			newest = p
		}
	}
	if newest == nil {
		return nil, ErrProfileNotFound
	}
	return newest, nil
}

// Load returns the named profile, or the default one for an empty name
func (m *Manager) Load(name string) (*Profile, error) {
	if name == "" {
		return m.RetrieveDefault()
	}
	return m.Retrieve(name)
}

// List returns all profiles across stores; the newest copy of a name wins
func (m *Manager) List() ([]*Profile, error) {
	byName := make(map[string]*Profile)

	for _, store := range m.stores {
		profiles, err := store.List()
		if err != nil {
			continue
		}
		for _, p := range profiles {
			if existing, ok := byName[p.Name]; !ok || p.LastModified.After(existing.LastModified) {
				byName[p.Name] = p
			}
		}
	}

	result := make([]*Profile, 0, len(byName))
	for _, p := range byName {
		result = append(result, p)
	}
	return result, nil
}

// Delete removes a profile from every store
func (m *Manager) Delete(name string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(name); err == nil {
			deleted = true
		} else if !errors.Is(err, ErrProfileNotFound) && !errors.Is(err, ErrStoreUnavailable) {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete profile: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return nil
}

// getConfigDir returns the per-user configuration directory
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "tikfetch")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "tikfetch")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "tikfetch")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "tikfetch")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// SanitizeProfile returns a copy with secrets masked
func SanitizeProfile(profile *Profile) *Profile {
	if profile == nil {
		return nil
	}

	masked := *profile
	masked.SessionID = maskString(profile.SessionID)
	if profile.MSToken != "" {
		masked.MSToken = maskString(profile.MSToken)
	}
	return &masked
}

// maskString masks all but the first 4 and last 4 characters of a string
func maskString(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Errors
var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrStoreUnavailable = errors.New("profile store unavailable")
)
