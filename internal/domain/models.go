// Package domain defines the persistence models for deep links, staged
// channel uploads, scheduled deletions, and processed channel posts. These
// types are mapped with GORM and form the core data layer of the relay.
//
// Every model holds pointers (chat id + message id) to content hosted by
// Telegram; no media bytes are ever stored.
package domain

import "time"

// ItemKind tags an item of a link as the series poster or a media item.
type ItemKind string

const (
	ItemKindPoster ItemKind = "poster"
	ItemKindMedia  ItemKind = "media"
)

// Link is a delivery descriptor: an opaque token mapped to an ordered list of
// messages in one source channel.
//
// Fields:
//   - Token: primary key, URL-safe, immutable once created.
//   - ChannelID: source channel every item is forwarded from.
//   - Title: optional human title supplied at finalize time.
//   - Items: ordered by Position; never empty for a persisted link.
type Link struct {
	Token     string     `json:"token"      gorm:"type:varchar(32);primaryKey"`
	ChannelID int64      `json:"channel_id" gorm:"not null;index"`
	Title     string     `json:"title"      gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time  `json:"created_at"`
	Items     []LinkItem `json:"items"      gorm:"foreignKey:Token;references:Token;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Link.
func (Link) TableName() string { return "links" }

// LinkItem references one source message of a link.
type LinkItem struct {
	Token     string   `json:"-"          gorm:"type:varchar(32);primaryKey;autoIncrement:false"`
	Position  int      `json:"position"   gorm:"primaryKey;autoIncrement:false"`
	MessageID int      `json:"message_id" gorm:"not null"`
	Kind      ItemKind `json:"kind"       gorm:"type:varchar(16);not null;check:kind IN ('poster','media')"`
}

// TableName returns the database table name for LinkItem.
func (LinkItem) TableName() string { return "link_items" }

// StagingEntry is the in-progress series of one source channel. There is at
// most one entry per channel; it is consumed atomically on finalize.
//
// PosterMessageID is last-write-wins. Items are append-only, ordered by Seq.
type StagingEntry struct {
	ChannelID       int64         `json:"channel_id"                  gorm:"primaryKey;autoIncrement:false"`
	PosterMessageID *int          `json:"poster_message_id,omitempty"`
	PosterPostedAt  *time.Time    `json:"poster_posted_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"                  gorm:"index"`
	Items           []StagingItem `json:"items"                       gorm:"foreignKey:ChannelID;references:ChannelID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for StagingEntry.
func (StagingEntry) TableName() string { return "staging_entries" }

// Empty reports whether the entry holds neither a poster nor media.
func (e StagingEntry) Empty() bool {
	return e.PosterMessageID == nil && len(e.Items) == 0
}

// StagingItem is one pending media reference. Duplicate MessageIDs are kept.
type StagingItem struct {
	ID        uint      `json:"-"          gorm:"primaryKey"`
	ChannelID int64     `json:"channel_id" gorm:"not null;uniqueIndex:ux_staging_channel_seq,priority:1"`
	Seq       int       `json:"seq"        gorm:"not null;uniqueIndex:ux_staging_channel_seq,priority:2"`
	MessageID int       `json:"message_id" gorm:"not null"`
	PostedAt  time.Time `json:"posted_at"`
}

// TableName returns the database table name for StagingItem.
func (StagingItem) TableName() string { return "staging_items" }

// DeletionStatus is the persisted state of a ScheduledDeletion.
type DeletionStatus string

const (
	DeletionScheduled  DeletionStatus = "scheduled"
	DeletionAttempting DeletionStatus = "attempting"
	DeletionFailed     DeletionStatus = "failed"
)

// ScheduledDeletion is a pending removal of a delivered message from a
// user's chat. At most one row exists per (ChatID, MessageID); the row is
// removed once the message is confirmed gone.
type ScheduledDeletion struct {
	ID         string         `json:"id"                    gorm:"type:char(36);primaryKey"`
	ChatID     int64          `json:"chat_id"               gorm:"not null;uniqueIndex:ux_deletion_chat_message,priority:1"`
	MessageID  int            `json:"message_id"            gorm:"not null;uniqueIndex:ux_deletion_chat_message,priority:2"`
	FireAt     time.Time      `json:"fire_at"               gorm:"not null;index:idx_deletion_due,priority:2"`
	Status     DeletionStatus `json:"status"                gorm:"type:varchar(16);not null;default:'scheduled';index:idx_deletion_due,priority:1"`
	Attempts   int            `json:"attempts"              gorm:"not null;default:0"`
	LeaseUntil *time.Time     `json:"lease_until,omitempty"`
	LastError  string         `json:"last_error,omitempty"  gorm:"type:text;not null;default:''"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName returns the database table name for ScheduledDeletion.
func (ScheduledDeletion) TableName() string { return "scheduled_deletions" }

// ProcessedPost records a channel post that was already applied to staging,
// so webhook redeliveries of the same post are dropped until ExpiresAt.
type ProcessedPost struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	ChannelID int64     `gorm:"not null;uniqueIndex:ux_processed_channel_message,priority:1"`
	MessageID int       `gorm:"not null;uniqueIndex:ux_processed_channel_message,priority:2"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedPost) TableName() string { return "processed_posts" }
