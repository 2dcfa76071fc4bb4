package models

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Media is a title a user logged against. Stats never read it; it only groups logs.
type Media struct {
	ID         string       `gorm:"primaryKey;size:36" json:"id"`
	UserId     int          `gorm:"not null;uniqueIndex:idx_media_owner_title,priority:1" json:"userId"`
	Type       ActivityType `gorm:"size:16;not null;uniqueIndex:idx_media_owner_title,priority:2" json:"type"`
	Title      string       `gorm:"size:255;not null;uniqueIndex:idx_media_owner_title,priority:3" json:"title"`
	ExternalId *string      `gorm:"size:128" json:"externalId,omitempty"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"createdAt"`
}

func (Media) TableName() string { return "media" }

// MediaKey identifies a media row within one user's catalog.
type MediaKey struct {
	Type  ActivityType
	Title string
}

func NewMediaKey(t ActivityType, title string) MediaKey {
	return MediaKey{Type: t, Title: strings.TrimSpace(title)}
}

// CatalogLookup resolves a title to an id in a third-party catalog. An empty id with a nil error means no match.
type CatalogLookup interface {
	LookupExternalId(ctx context.Context, t ActivityType, title string) (string, error)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
