package apikey

import "time"

type Scope string

const (
	// ScopeRead may inspect jobs and follow the event stream.
	ScopeRead Scope = "read"
	// ScopeAdmin may additionally requeue jobs and manage keys.
	ScopeAdmin Scope = "admin"
)

func (s Scope) Valid() bool {
	return s == ScopeRead || s == ScopeAdmin
}

type APIKey struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"not null" json:"name"`
	Scope      Scope      `gorm:"not null;default:read" json:"scope"`
	Prefix     string     `gorm:"uniqueIndex;not null" json:"-"`
	SecretHash string     `gorm:"not null" json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// Allows reports whether the key may perform an action requiring scope.
func (k *APIKey) Allows(scope Scope) bool {
	if k.Scope == ScopeAdmin {
		return true
	}
	return k.Scope == scope
}
