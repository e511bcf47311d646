package keypool

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// SystemPool returns the enabled system credentials of provider in id order.
func (s *GormStore) SystemPool(ctx context.Context, provider string) ([]Credential, error) {
	var creds []Credential
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND scope = ? AND enabled = ?", normalize(provider), ScopeSystem, true).
		Order("id ASC").
		Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// UserCredential returns the user's credential for provider, or nil when
// the user has none.
func (s *GormStore) UserCredential(ctx context.Context, userID uint64, provider string) (*Credential, error) {
	var c Credential
	err := s.db.WithContext(ctx).
		Where("owner_key = ?", userOwnerKey(userID, normalize(provider))).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertUserCredential creates or overwrites the single user record for
// provider. The unique owner key makes concurrent calls converge on one row.
func (s *GormStore) UpsertUserCredential(ctx context.Context, userID uint64, provider, secret string) (*Credential, error) {
	provider = normalize(provider)
	key := userOwnerKey(userID, provider)
	c := Credential{Provider: provider, Scope: ScopeUser, UserID: userID, OwnerKey: &key, Secret: secret, Enabled: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"secret", "enabled", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return nil, err
	}

	var out Credential
	if err := s.db.WithContext(ctx).Where("owner_key = ?", key).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// SeedSystem adds the secrets that are not yet in the system pool of
// provider and returns how many were added.
func (s *GormStore) SeedSystem(ctx context.Context, provider string, secrets []string) (int, error) {
	provider = normalize(provider)
	added := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, secret := range secrets {
			secret = strings.TrimSpace(secret)
			if secret == "" {
				continue
			}
			var n int64
			if err := tx.Model(&Credential{}).
				Where("provider = ? AND scope = ? AND secret = ?", provider, ScopeSystem, secret).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			c := Credential{Provider: provider, Scope: ScopeSystem, Secret: secret, Enabled: true}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
			added++
		}
		return nil
	})
	return added, err
}
