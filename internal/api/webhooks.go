package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/groups"
)

const msgNotReady = "The bot is not connected right now. Please try again shortly."

type joinRequest struct {
	BotAccount     string `json:"bot_account"`
	GroupInviteURL string `json:"group_invite_url"`
	GroupName      string `json:"group_name"`
	GroupID        string `json:"group_id"`
}

type leaveRequest struct {
	BotAccount string `json:"bot_account"`
	GroupID    string `json:"group_id"`
}

// checkAccount validates bot_account against the account this process runs.
func checkAccount(c *gin.Context, opts *Opts, account string) bool {
	if account == "" {
		fail(c, http.StatusBadRequest, "bot_account is required")
		return false
	}
	if account != opts.BotAccount {
		fail(c, http.StatusForbidden, fmt.Sprintf("unknown bot account %q", account))
		return false
	}
	return true
}

func handleJoinGroup(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if !checkAccount(c, opts, req.BotAccount) {
			return
		}
		code, err := groups.InviteCode(req.GroupInviteURL)
		if err != nil {
			fail(c, http.StatusBadRequest, "group_invite_url is missing or invalid")
			return
		}
		if !opts.Lifecycle.Ready() {
			fail(c, http.StatusServiceUnavailable, msgNotReady)
			return
		}

		ctx := c.Request.Context()
		groupID, err := opts.Lifecycle.JoinGroup(ctx, code)
		if err != nil {
			opts.log.Warn().Err(err).Str("invite", code).Msg("join group failed")
			fail(c, http.StatusBadGateway, "Could not join the group: "+err.Error())
			return
		}
		if groupID == "" {
			groupID = req.GroupID
		}
		name := req.GroupName
		if name == "" {
			name = groupID
		}

		if _, err := groups.Join(opts.DB.WithContext(ctx), opts.BotAccount, groupID, groups.JoinOpts{
			GroupName: req.GroupName,
			InviteURL: req.GroupInviteURL,
		}); err != nil {
			opts.log.Error().Err(err).Str("group", groupID).Msg("record joined group")
			fail(c, http.StatusInternalServerError, "Joined the group but could not record it: "+err.Error())
			return
		}

		opts.log.Info().Str("group", groupID).Str("name", name).Msg("joined group")
		opts.Sink.Publish(ctx, broadcast.Event{
			Type: broadcast.TypeGroup, ClientID: opts.BotAccount, Severity: broadcast.SeveritySuccess,
			Message: "joined group " + name, Data: map[string]any{"group_id": groupID, "group_name": req.GroupName},
			Time: timeNow(),
		})
		c.JSON(http.StatusOK, reply{OK: true, Message: "Joined group " + name + ".", GroupID: groupID})
	}
}

func handleLeaveGroup(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req leaveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if !checkAccount(c, opts, req.BotAccount) {
			return
		}
		if req.GroupID == "" {
			fail(c, http.StatusBadRequest, "group_id is required")
			return
		}
		if !opts.Lifecycle.Ready() {
			fail(c, http.StatusServiceUnavailable, msgNotReady)
			return
		}

		ctx := c.Request.Context()
		if err := opts.Lifecycle.LeaveGroup(ctx, req.GroupID); err != nil {
			opts.log.Warn().Err(err).Str("group", req.GroupID).Msg("leave group failed")
			fail(c, http.StatusBadGateway, "Could not leave the group: "+err.Error())
			return
		}
		if err := groups.Leave(opts.DB.WithContext(ctx), opts.BotAccount, req.GroupID, timeNow()); err != nil {
			if !errors.Is(err, groups.ErrNotFound) {
				opts.log.Error().Err(err).Str("group", req.GroupID).Msg("record left group")
				fail(c, http.StatusInternalServerError, "Left the group but could not record it: "+err.Error())
				return
			}
			opts.log.Warn().Str("group", req.GroupID).Msg("left a group that was not recorded as active")
		}

		opts.log.Info().Str("group", req.GroupID).Msg("left group")
		opts.Sink.Publish(ctx, broadcast.Event{
			Type: broadcast.TypeGroup, ClientID: opts.BotAccount, Severity: broadcast.SeverityInfo,
			Message: "left group " + req.GroupID, Data: map[string]any{"group_id": req.GroupID},
			Time: timeNow(),
		})
		c.JSON(http.StatusOK, reply{OK: true, Message: "Left group " + req.GroupID + ".", GroupID: req.GroupID})
	}
}
