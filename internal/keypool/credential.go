// Package keypool chooses the upstream credential for each outbound call.
// A user's own key always wins; otherwise a key is taken from the
// system pool of the provider, either round-robin or best-of by the most
// recently observed quota signal. Keys that upstream rejected are skipped
// until they are restored.
package keypool

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

type Credential struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider string `gorm:"type:varchar(32);not null;index:idx_credential_owner,priority:1" json:"provider"`
	Scope    Scope  `gorm:"type:varchar(16);not null;index:idx_credential_owner,priority:2" json:"scope"`
	UserID   uint64 `gorm:"not null;default:0;index:idx_credential_owner,priority:3" json:"user_id"`
	// OwnerKey is set on user records only; system records leave it NULL.
	OwnerKey  *string   `gorm:"type:varchar(96);uniqueIndex:uniq_credential_owner" json:"-"`
	Secret    string    `gorm:"type:varchar(512);not null" json:"-"`
	Enabled   bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Credential) TableName() string { return "api_credentials" }

func userOwnerKey(userID uint64, provider string) string {
	return fmt.Sprintf("user:%d:%s", userID, provider)
}

// Fingerprint identifies a secret in logs without revealing it.
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

type Policy int

const (
	RoundRobin Policy = iota
	BestOf
)

func (p Policy) String() string {
	if p == BestOf {
		return "best-of"
	}
	return "round-robin"
}

var ErrPoolExhausted = errors.New("no usable credential in pool")

// ConfigurationError means no credential can be used for the provider.
// Retrying will not help until an operator provisions or restores a key.
type ConfigurationError struct {
	Provider string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("keypool: provider %q: %v", e.Provider, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
