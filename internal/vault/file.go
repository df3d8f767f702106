package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// SaltSize is the argon2id salt size.
	SaltSize = 16

	fileVersion = 1
)

var (
	// ErrEmptyPassphrase indicates the vault was opened without a passphrase.
	ErrEmptyPassphrase = errors.New("vault passphrase must not be empty")
	// ErrDecryptionFailed indicates a wrong passphrase or a corrupted file.
	ErrDecryptionFailed = errors.New("vault decryption failed")
	// ErrUnsupportedVersion indicates a vault file written by a newer agent.
	ErrUnsupportedVersion = errors.New("unsupported vault file version")
)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// envelope is the on-disk layout. Salt and parameters travel with the data
// so a file stays readable when the defaults change.
type envelope struct {
	Version    int       `json:"version"`
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Ciphertext []byte    `json:"ciphertext"`
}

// FileVault is an AES-256-GCM encrypted JSON file keyed by a passphrase.
type FileVault struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	params     KDFParams
}

// FileOption configures a FileVault.
type FileOption func(*FileVault)

// WithKDFParams overrides the argon2id parameters for newly written files.
func WithKDFParams(p KDFParams) FileOption {
	return func(v *FileVault) { v.params = p }
}

// NewFileVault returns a vault backed by path. The file is created on the
// first Set.
func NewFileVault(path, passphrase string, opts ...FileOption) (*FileVault, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	v := &FileVault{path: path, passphrase: []byte(passphrase), params: DefaultKDFParams}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Get returns the value stored under key.
func (v *FileVault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, _, err := v.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

// Set stores value under key and rewrites the file. An empty value deletes
// the key.
func (v *FileVault) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, _, err := v.load()
	if err != nil {
		return err
	}
	if value == "" {
		delete(secrets, key)
	} else {
		secrets[key] = value
	}
	return v.save(secrets)
}

// Clear deletes the vault file.
func (v *FileVault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(v.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove vault file: %w", err)
	}
	return nil
}

func (v *FileVault) load() (map[string]string, *envelope, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read vault file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, ErrDecryptionFailed
	}
	if env.Version != fileVersion {
		return nil, nil, ErrUnsupportedVersion
	}

	plaintext, err := decrypt(v.deriveKey(env.Salt, env.KDF), env.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	secrets := make(map[string]string)
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, nil, ErrDecryptionFailed
	}
	return secrets, &env, nil
}

func (v *FileVault) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	ciphertext, err := encrypt(v.deriveKey(salt, v.params), plaintext)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Version: fileVersion, KDF: v.params, Salt: salt, Ciphertext: ciphertext})
	if err != nil {
		return fmt.Errorf("marshal vault file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

func (v *FileVault) deriveKey(salt []byte, p KDFParams) []byte {
	return argon2.IDKey(v.passphrase, salt, p.Time, p.Memory, p.Threads, KeySize)
}

// encrypt seals plaintext with AES-256-GCM and prepends the nonce.
func encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
