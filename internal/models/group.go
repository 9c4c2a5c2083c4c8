package models

import "time"

// ActiveGroup is a chat group the bot account has been asked to join.
// LeftAt is set when the group is left; the row is kept for history.
type ActiveGroup struct {
	GroupID    string     `gorm:"primaryKey;size:128"`
	BotAccount string     `gorm:"size:128;not null;index"`
	GroupName  string     `gorm:"size:256"`
	InviteURL  string     `gorm:"size:512"`
	JoinedAt   time.Time  `gorm:"not null"`
	LeftAt     *time.Time `gorm:"index"`
}
