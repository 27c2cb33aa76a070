package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cuemby/burrow/pkg/log"
)

const (
	keyFileName = "vault.key"
	keySize     = 32 // AES-256

	// DefaultTTL is how long a stored credential stays loadable.
	DefaultTTL = time.Hour
)

// ErrAbsent is returned by Load when no usable credential exists: never
// stored, expired, or undecryptable. Callers treat all three the same.
var ErrAbsent = errors.New("credential absent")

// record is the on-disk shape of one cached credential.
type record struct {
	Version    int    `json:"v"`
	Ciphertext string `json:"ct"`
	CreatedAt  int64  `json:"created_at"`
	TTL        int64  `json:"ttl"`
}

// Vault is an at-rest encrypted per-cluster bind password cache. Records
// are AES-256-GCM sealed with a key generated on first use and stored
// beside them with owner-only permissions. Plaintext never touches disk.
type Vault struct {
	dir        string
	key        []byte
	defaultTTL time.Duration

	now func() time.Time
}

// Open initializes the secrets directory and loads or creates the
// encryption key. Concurrent creators race on an exclusive create; the
// loser re-reads the winner's key.
func Open(dir string, defaultTTL time.Duration) (*Vault, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}

	return &Vault{
		dir:        dir,
		key:        key,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("key file %s is corrupt: %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another process won the race; use its key.
			return loadOrCreateKey(path)
		}
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close key file: %w", err)
	}
	restrictPerms(path)

	log.WithComponent("vault").Info().Str("path", path).Msg("Generated new encryption key")
	return key, nil
}

// Store encrypts and persists a credential for the cluster with the
// default TTL. The write is atomic: temp file then rename. Transient I/O
// failures are retried once.
func (v *Vault) Store(cluster, plaintext string) error {
	return v.StoreTTL(cluster, plaintext, v.defaultTTL)
}

// StoreTTL is Store with an explicit TTL.
func (v *Vault) StoreTTL(cluster, plaintext string, ttl time.Duration) error {
	ct, err := v.seal([]byte(plaintext))
	if err != nil {
		return err
	}

	rec := record{
		Version:    1,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		CreatedAt:  v.now().Unix(),
		TTL:        int64(ttl.Seconds()),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}

	path := v.credPath(cluster)
	if err := writeFileAtomic(path, data); err != nil {
		// One retry for transient storage failures.
		log.WithComponent("vault").Warn().Err(err).Str("cluster", cluster).Msg("Credential write failed, retrying")
		if err := writeFileAtomic(path, data); err != nil {
			return fmt.Errorf("failed to write credential: %w", err)
		}
	}

	log.WithComponent("vault").Info().
		Str("cluster", cluster).
		Int64("ttl_seconds", rec.TTL).
		Msg("Credential cached")
	return nil
}

// Load decrypts the cluster's credential. Expired or tampered records are
// removed and reported as ErrAbsent.
func (v *Vault) Load(cluster string) (string, error) {
	path := v.credPath(cluster)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrAbsent
		}
		// One retry for transient storage failures.
		data, err = os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read credential: %w", err)
		}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		v.discard(cluster, path, "corrupt record")
		return "", ErrAbsent
	}

	age := v.now().Unix() - rec.CreatedAt
	if age >= rec.TTL {
		log.WithComponent("vault").Info().
			Str("cluster", cluster).
			Int64("age_seconds", age).
			Msg("Credential expired")
		_ = os.Remove(path)
		return "", ErrAbsent
	}

	ct, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		v.discard(cluster, path, "corrupt ciphertext")
		return "", ErrAbsent
	}
	plaintext, err := v.open(ct)
	if err != nil {
		v.discard(cluster, path, "decryption failed")
		return "", ErrAbsent
	}
	return string(plaintext), nil
}

// Present reports whether a live credential exists without decrypting it.
func (v *Vault) Present(cluster string) bool {
	data, err := os.ReadFile(v.credPath(cluster))
	if err != nil {
		return false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false
	}
	return v.now().Unix()-rec.CreatedAt < rec.TTL
}

// Clear removes the cluster's credential.
func (v *Vault) Clear(cluster string) error {
	err := os.Remove(v.credPath(cluster))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	log.WithComponent("vault").Info().Str("cluster", cluster).Msg("Credential cleared")
	return nil
}

// Rotate replaces the encryption key and voids every outstanding record.
func (v *Vault) Rotate() error {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(v.dir, keyFileName), key); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	v.key = key

	matches, err := filepath.Glob(filepath.Join(v.dir, "*.cred"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
	log.WithComponent("vault").Warn().Int("voided", len(matches)).Msg("Encryption key rotated")
	return nil
}

func (v *Vault) discard(cluster, path, reason string) {
	log.WithComponent("vault").Warn().
		Str("cluster", cluster).
		Str("reason", reason).
		Msg("Discarding unusable credential record")
	_ = os.Remove(path)
}

func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the sealed box.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// credPath maps a cluster name to its record file. Names with characters
// unsafe in a filename fall back to a hash so a hostile config cannot
// escape the secrets directory.
func (v *Vault) credPath(cluster string) string {
	name := cluster
	if !safeName.MatchString(cluster) {
		sum := sha256.Sum256([]byte(cluster))
		name = hex.EncodeToString(sum[:8])
	}
	return filepath.Join(v.dir, name+".cred")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	restrictPerms(path)
	return nil
}

// restrictPerms enforces owner-only access. Hosts without POSIX modes get
// whatever os.Chmod can do there; the weakening is logged.
func restrictPerms(path string) {
	if err := os.Chmod(path, 0o600); err != nil {
		log.WithComponent("vault").Warn().Err(err).Str("path", path).Msg("Could not restrict file permissions")
	}
}
