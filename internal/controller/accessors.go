package controller

import (
	"context"

	"github.com/zulandar/signalbox/internal/connection"
)

// The accessors below are the only way other components reach the live
// connection. They fail with connection.ErrNotConnected when none exists.

func (c *Controller) live() (connection.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, connection.ErrNotConnected
	}
	return c.conn, nil
}

// FetchMessages returns up to limit recent messages of a chat.
func (c *Controller) FetchMessages(ctx context.Context, chatID string, limit int) ([]connection.ChatMessage, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	return conn.FetchMessages(ctx, chatID, limit)
}

// SendMessage sends text to a chat.
func (c *Controller) SendMessage(ctx context.Context, chatID, text string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.SendMessage(ctx, chatID, text)
}

// ContactName resolves a participant's display name.
func (c *Controller) ContactName(ctx context.Context, id string) (string, error) {
	conn, err := c.live()
	if err != nil {
		return "", err
	}
	return conn.ContactName(ctx, id)
}

// JoinGroup accepts a group invite. The connection must be ready.
func (c *Controller) JoinGroup(ctx context.Context, inviteCode string) (string, error) {
	if !c.Ready() {
		return "", ErrNotReady
	}
	conn, err := c.live()
	if err != nil {
		return "", err
	}
	return conn.JoinGroup(ctx, inviteCode)
}

// LeaveGroup leaves a group. The connection must be ready.
func (c *Controller) LeaveGroup(ctx context.Context, groupID string) error {
	if !c.Ready() {
		return ErrNotReady
	}
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.LeaveGroup(ctx, groupID)
}
