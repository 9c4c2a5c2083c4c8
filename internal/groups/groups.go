// Package groups records the chat groups the bot account has been asked to
// join through the webhook surface.
package groups

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no active membership matches.
var ErrNotFound = errors.New("groups: group not found")

// JoinOpts holds optional parameters for recording a join.
type JoinOpts struct {
	GroupName string
	InviteURL string
	JoinedAt  time.Time // defaults to now
}

// Join records that botAccount is a member of groupID. Rejoining a group
// that was left reactivates the existing row.
func Join(db *gorm.DB, botAccount, groupID string, opts JoinOpts) (*models.ActiveGroup, error) {
	if botAccount == "" {
		return nil, fmt.Errorf("groups: bot account is required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("groups: group id is required")
	}
	joined := opts.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}

	g := models.ActiveGroup{
		GroupID:    groupID,
		BotAccount: botAccount,
		GroupName:  opts.GroupName,
		InviteURL:  opts.InviteURL,
		JoinedAt:   joined,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bot_account", "group_name", "invite_url", "joined_at", "left_at"}),
	}).Create(&g).Error; err != nil {
		return nil, fmt.Errorf("groups: join %s: %w", groupID, err)
	}
	return &g, nil
}

// Leave marks the membership as left. The row is kept for history.
func Leave(db *gorm.DB, botAccount, groupID string, at time.Time) error {
	if botAccount == "" {
		return fmt.Errorf("groups: bot account is required")
	}
	if groupID == "" {
		return fmt.Errorf("groups: group id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	result := db.Model(&models.ActiveGroup{}).
		Where("group_id = ? AND bot_account = ? AND left_at IS NULL", groupID, botAccount).
		Update("left_at", at)
	if result.Error != nil {
		return fmt.Errorf("groups: leave %s: %w", groupID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("groups: leave %s: %w", groupID, ErrNotFound)
	}
	return nil
}

// Active returns the groups botAccount is currently a member of, oldest
// first.
func Active(db *gorm.DB, botAccount string) ([]models.ActiveGroup, error) {
	if botAccount == "" {
		return nil, fmt.Errorf("groups: bot account is required")
	}
	var out []models.ActiveGroup
	if err := db.Where("bot_account = ? AND left_at IS NULL", botAccount).
		Order("joined_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("groups: active %s: %w", botAccount, err)
	}
	return out, nil
}

// Get returns one group row, active or not.
func Get(db *gorm.DB, groupID string) (*models.ActiveGroup, error) {
	var g models.ActiveGroup
	err := db.Where("group_id = ?", groupID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("groups: get %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("groups: get %s: %w", groupID, err)
	}
	return &g, nil
}

// InviteCode extracts the invite code from an invite link. A bare code is
// returned unchanged.
func InviteCode(invite string) (string, error) {
	invite = strings.TrimSpace(invite)
	if invite == "" {
		return "", fmt.Errorf("groups: invite is required")
	}
	if !strings.Contains(invite, "/") {
		return invite, nil
	}
	u, err := url.Parse(invite)
	if err != nil {
		return "", fmt.Errorf("groups: parse invite: %w", err)
	}
	path := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return "", fmt.Errorf("groups: invite %q has no code", invite)
	}
	return path, nil
}
