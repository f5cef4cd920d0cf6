// Package vault keeps per-tenant provider credentials encrypted at rest.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/foxzi/outreach/internal/campaign"
)

var bucketCredentials = []byte("credentials")

// KeySize is the required master key length
const KeySize = 32

const (
	saltSize   = 16
	keyInfo    = "outreach credential v1 "
	recordV1   = 1
	redactedLV = "[REDACTED]"
)

var (
	// ErrNoCredential is returned when a tenant has no stored credential
	ErrNoCredential = errors.New("no credential stored")
	// ErrClosed is returned when a closed handle is used
	ErrClosed = errors.New("credential handle closed")
)

// Credential is a provider secret in plaintext. It never prints its secret.
type Credential struct {
	Username string
	Secret   []byte
}

// LogValue implements slog.LogValuer
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("secret", redactedLV),
	)
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %q, Secret: %s}", c.Username, redactedLV)
}

// GoString keeps %#v from printing the secret
func (c Credential) GoString() string {
	return c.String()
}

type record struct {
	Version    int       `json:"version"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Username   string    `json:"username"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Vault stores credentials sealed with XChaCha20-Poly1305 under a key derived
// per tenant from the master key. The tenant id is bound as associated data.
type Vault struct {
	db     *bolt.DB
	master []byte
}

// New creates a vault using the given 32 byte master key
func New(db *bolt.DB, masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials bucket: %w", err)
	}

	master := make([]byte, KeySize)
	copy(master, masterKey)
	return &Vault{db: db, master: master}, nil
}

// ParseMasterKey decodes a hex or base64 encoded 32 byte key
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("master key is empty")
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == KeySize {
		return key, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("master key must be %d bytes encoded as hex or base64", KeySize)
}

// Store seals and saves a tenant's credential, replacing any previous one
func (v *Vault) Store(ctx context.Context, tenantID string, cred Credential) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	plaintext := encodeCredential(cred)
	defer zero(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := v.aead(tenantID, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	rec := record{
		Version:    recordV1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(tenantID)),
		Username:   cred.Username,
		UpdatedAt:  time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(tenantID), data)
	})
}

// Decrypt opens a tenant's credential into a scoped handle. Every failure
// is a *campaign.CredentialError.
func (v *Vault) Decrypt(ctx context.Context, tenantID string) (*Handle, error) {
	var data []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		if d := tx.Bucket(bucketCredentials).Get([]byte(tenantID)); d != nil {
			data = append([]byte{}, d...)
		}
		return nil
	})
	if err != nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: err}
	}
	if data == nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: ErrNoCredential}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: fmt.Errorf("corrupt record: %w", err)}
	}
	if rec.Version != recordV1 {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: fmt.Errorf("unsupported record version %d", rec.Version)}
	}

	aead, err := v.aead(tenantID, rec.Salt)
	if err != nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: err}
	}
	if len(rec.Nonce) != aead.NonceSize() {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: errors.New("corrupt record: bad nonce")}
	}

	plaintext, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, []byte(tenantID))
	if err != nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: fmt.Errorf("failed to decrypt: %w", err)}
	}
	cred, err := decodeCredential(plaintext)
	zero(plaintext)
	if err != nil {
		return nil, &campaign.CredentialError{TenantID: tenantID, Err: err}
	}

	return &Handle{tenantID: tenantID, cred: cred}, nil
}

// Delete removes a tenant's credential
func (v *Vault) Delete(ctx context.Context, tenantID string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(tenantID))
	})
}

// Info describes a stored credential without revealing it
type Info struct {
	TenantID  string    `json:"tenant_id"`
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns what credentials are stored
func (v *Vault) List(ctx context.Context) ([]Info, error) {
	var result []Info
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, data []byte) error {
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil
			}
			result = append(result, Info{TenantID: string(k), Username: rec.Username, UpdatedAt: rec.UpdatedAt})
			return nil
		})
	})
	return result, err
}

func (v *Vault) aead(tenantID string, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer zero(key)

	kdf := hkdf.New(sha256.New, v.master, salt, []byte(keyInfo+tenantID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// Handle holds a decrypted credential until closed
type Handle struct {
	tenantID string
	mu       sync.Mutex
	cred     Credential
	closed   bool
}

// Use calls fn with the plaintext credential. fn must not retain it.
func (h *Handle) Use(fn func(Credential) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &campaign.CredentialError{TenantID: h.tenantID, Err: ErrClosed}
	}
	return fn(h.cred)
}

// Close zeroes the plaintext. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	zero(h.cred.Secret)
	h.cred = Credential{}
	h.closed = true
}

// encodeCredential lays a credential out as uvarint(len(username)) |
// username | secret
func encodeCredential(c Credential) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(c.Username)+len(c.Secret))
	n := binary.PutUvarint(buf, uint64(len(c.Username)))
	n += copy(buf[n:], c.Username)
	n += copy(buf[n:], c.Secret)
	return buf[:n]
}

func decodeCredential(b []byte) (Credential, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return Credential{}, errors.New("corrupt credential payload")
	}
	username := string(b[n : n+int(l)])
	secret := append([]byte{}, b[n+int(l):]...)
	return Credential{Username: username, Secret: secret}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
