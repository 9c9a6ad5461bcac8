// Package secrets is the workspace-scoped secret vault: AES-256-GCM
// encrypted values keyed by name. The vault only exists when
// SECRETS_MASTER_KEY is configured; secret values never enter the event
// log, only their names do.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wardenlabs/warden/pkg/store"
)

var (
	// ErrUnavailable means the vault is disabled because no master key is
	// configured.
	ErrUnavailable = errors.New("secrets_unavailable")
	// ErrBadKey rejects a master key that is not 32 hex-encoded bytes.
	ErrBadKey = errors.New("secrets: master key must be 64 hex chars (32 bytes)")
)

// Entry is a stored secret's metadata. The value is only returned by Get.
type Entry struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vault encrypts and stores named secrets per workspace.
type Vault struct {
	db   *sql.DB
	aead cipher.AEAD
}

// NewVault builds the vault from the hex master key. An empty key returns
// a disabled vault whose operations fail with ErrUnavailable, so callers
// can wire it unconditionally.
func NewVault(db *sql.DB, masterKeyHex string) (*Vault, error) {
	if masterKeyHex == "" {
		return &Vault{db: db}, nil
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &Vault{db: db, aead: aead}, nil
}

// Enabled reports whether a master key is configured.
func (v *Vault) Enabled() bool {
	return v.aead != nil
}

// Put stores or replaces a named secret.
func (v *Vault) Put(ctx context.Context, workspaceID, name, value string) error {
	if !v.Enabled() {
		return ErrUnavailable
	}
	if workspaceID == "" || name == "" {
		return errors.New("secrets: workspace_id and name are required")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secrets: nonce: %w", err)
	}
	// The workspace and name bind the ciphertext to its row, so a value
	// copied across rows fails to decrypt.
	ciphertext := v.aead.Seal(nil, nonce, []byte(value), aad(workspaceID, name))

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO sec_vault (workspace_id, name, ciphertext, nonce)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, name)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce, updated_at = now()`,
		workspaceID, name, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("secrets: put %s: %w", name, err)
	}
	return nil
}

// Get decrypts and returns a named secret.
func (v *Vault) Get(ctx context.Context, workspaceID, name string) (string, error) {
	if !v.Enabled() {
		return "", ErrUnavailable
	}
	var ciphertext, nonce []byte
	err := v.db.QueryRowContext(ctx, `
		SELECT ciphertext, nonce FROM sec_vault
		WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name).Scan(&ciphertext, &nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("secrets: get %s: %w", name, err)
	}

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, aad(workspaceID, name))
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a named secret. Deleting a missing secret is a no-op.
func (v *Vault) Delete(ctx context.Context, workspaceID, name string) error {
	if !v.Enabled() {
		return ErrUnavailable
	}
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM sec_vault WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name)
	if err != nil {
		return fmt.Errorf("secrets: delete %s: %w", name, err)
	}
	return nil
}

// List returns secret names and timestamps, never values.
func (v *Vault) List(ctx context.Context, workspaceID string) ([]Entry, error) {
	if !v.Enabled() {
		return nil, ErrUnavailable
	}
	rows, err := v.db.QueryContext(ctx, `
		SELECT name, created_at, updated_at FROM sec_vault
		WHERE workspace_id = $1 ORDER BY name`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("secrets: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func aad(workspaceID, name string) []byte {
	return []byte(workspaceID + "\x00" + name)
}
