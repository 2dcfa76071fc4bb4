package models

import (
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
)

// User is the local projection of an account owned by the auth service. Only what the stats engine needs is kept.
type User struct {
	ID        int       `gorm:"primary_key;autoIncrement:false" json:"id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username"`
	Timezone  string    `gorm:"size:64;not null;default:UTC" json:"timezone"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Location is the user's zone for windowed reports. Unknown zones fall back to UTC.
func (u *User) Location() *time.Location {
	if u == nil {
		return time.UTC
	}
	loc, err := utils.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

/*
caches:
	Stats:$userId:*
*/

// StatsCachePrefix is the prefix of every cached windowed report of the user.
func StatsCachePrefix(userId int) string {
	return "Stats:" + itoa(userId) + ":"
}
