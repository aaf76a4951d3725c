package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000

	vaultVersion = 2
)

// vaultAAD binds the sealed blob to this file format
var vaultAAD = []byte("tikfetch/profiles")

// PassphraseEnv overrides the generated passphrase of the encrypted store
const PassphraseEnv = "TIKFETCH_PASSPHRASE"

// EncryptedFileStore keeps session profiles sealed with AES-GCM in a single
// file. The key is derived from a passphrase taken from the environment or
// a generated file next to the store.
type EncryptedFileStore struct {
	path       string
	passphrase string

	mu sync.RWMutex

	// key is derived once per salt
	keyMu   sync.Mutex
	keySalt string
	key     []byte
}

// vaultFile is the on-disk envelope. Sealed holds the JSON of the
// profile map.
type vaultFile struct {
	Version  int       `json:"version"`
	Salt     string    `json:"salt"`
	Sealed   string    `json:"sealed"`
	Count    int       `json:"count"`
	Modified time.Time `json:"modified"`
}

type vault map[string]Profile

// NewEncryptedFileStore creates an encrypted store at filePath
func NewEncryptedFileStore(filePath string) (*EncryptedFileStore, error) {
	return NewEncryptedFileStoreWithPassphrase(filePath, "")
}

// NewEncryptedFileStoreWithPassphrase creates an encrypted store with a
// fixed passphrase. An empty passphrase falls back to the usual lookup.
func NewEncryptedFileStoreWithPassphrase(filePath, passphrase string) (*EncryptedFileStore, error) {
	if dir := filepath.Dir(filePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	store := &EncryptedFileStore{path: filePath, passphrase: passphrase}
	if store.passphrase == "" {
		p, err := loadOrCreatePassphrase(filepath.Join(filepath.Dir(filePath), ".passphrase"))
		if err != nil {
			return nil, fmt.Errorf("failed to get passphrase: %w", err)
		}
		store.passphrase = p
	}
	return store, nil
}

// Store seals profile into the file. Profiles without a session cookie
// are rejected.
func (e *EncryptedFileStore) Store(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, salt, err := e.read()
	if err != nil {
		return err
	}
	v[profile.Name] = *profile
	return e.write(v, salt)
}

// Retrieve opens the file and returns the named profile
func (e *EncryptedFileStore) Retrieve(name string) (*Profile, error) {
	if name == "" {
		return nil, ErrInvalidProfile
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	v, _, err := e.read()
	if err != nil {
		return nil, err
	}
	p, ok := v[name]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

// List returns the stored profiles ordered by name
func (e *EncryptedFileStore) List() ([]*Profile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v, _, err := e.read()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]*Profile, 0, len(names))
	for _, name := range names {
		p := v[name]
		profiles = append(profiles, &p)
	}
	return profiles, nil
}

// Delete removes a profile. The file goes away with its last profile.
func (e *EncryptedFileStore) Delete(name string) error {
	if name == "" {
		return ErrInvalidProfile
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, salt, err := e.read()
	if err != nil {
		return err
	}
	if _, ok := v[name]; !ok {
		return ErrProfileNotFound
	}
	delete(v, name)

	if len(v) == 0 {
		return os.Remove(e.path)
	}
	return e.write(v, salt)
}

// Exists checks if a profile is stored
func (e *EncryptedFileStore) Exists(name string) bool {
	p, err := e.Retrieve(name)
	return err == nil && p != nil
}

// read opens the vault. A missing file is an empty vault with no salt.
func (e *EncryptedFileStore) read() (vault, []byte, error) {
	content, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		return vault{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read profile vault: %w", err)
	}

	var f vaultFile
	if err := json.Unmarshal(content, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse profile vault: %w", err)
	}
	if f.Version != vaultVersion {
		return nil, nil, fmt.Errorf("profile vault version %d is not supported", f.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode profile vault: %w", err)
	}

	plain, err := unseal(sealed, e.deriveKey(f.Salt, salt))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open profile vault (wrong passphrase?): %w", err)
	}

	v := vault{}
	if err := json.Unmarshal(plain, &v); err != nil {
		return nil, nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	return v, salt, nil
}

// write seals v and replaces the file. A nil salt starts a new vault.
func (e *EncryptedFileStore) write(v vault, salt []byte) error {
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	encodedSalt := base64.StdEncoding.EncodeToString(salt)

	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}
	sealed, err := seal(plain, e.deriveKey(encodedSalt, salt))
	if err != nil {
		return fmt.Errorf("failed to seal profiles: %w", err)
	}

	content, err := json.MarshalIndent(vaultFile{
		Version:  vaultVersion,
		Salt:     encodedSalt,
		Sealed:   base64.StdEncoding.EncodeToString(sealed),
		Count:    len(v),
		Modified: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile vault: %w", err)
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write profile vault: %w", err)
	}
	return os.Rename(tmp, e.path)
}

// deriveKey runs PBKDF2 only when the salt changes
func (e *EncryptedFileStore) deriveKey(encodedSalt string, salt []byte) []byte {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	if e.key != nil && e.keySalt == encodedSalt {
		return e.key
	}
	key := pbkdf2.Key([]byte(e.passphrase), salt, iterations, keySize, sha256.New)
	e.keySalt, e.key = encodedSalt, key
	return key
}

// loadOrCreatePassphrase returns the environment passphrase, the one saved
// at path, or a newly generated one saved there
func loadOrCreatePassphrase(path string) (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}
	if content, err := os.ReadFile(path); err == nil && len(content) > 0 {
		return string(content), nil
	}

	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	pass := base64.URLEncoding.EncodeToString(b)
	if err := os.WriteFile(path, []byte(pass), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext as nonce || ciphertext
func seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, vaultAAD), nil
}

func unseal(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed data too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, vaultAAD)
}
