package profiles

import (
	"strings"
	"time"
)

// Profile is the public record of a user. It is created lazily the first time a user id is seen.
type Profile struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Handle    *string   `gorm:"column:handle;size:30;uniqueIndex:idx_profiles_handle"`
	Name      string    `gorm:"column:name;size:80;not null;default:''"`
	Bio       string    `gorm:"column:bio;size:280;not null;default:''"`
	Location  string    `gorm:"column:location;size:80;not null;default:''"`
	AvatarURL string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// HandleValue returns the handle or an empty string when unset.
func (p Profile) HandleValue() string {
	if p.Handle == nil {
		return ""
	}
	return *p.Handle
}

// Complete reports whether the profile has both a handle and a name.
func (p Profile) Complete() bool {
	return normalize(p.HandleValue()) != "" && normalize(p.Name) != ""
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
