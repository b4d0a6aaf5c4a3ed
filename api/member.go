package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/seji7/trpgweb/session"
)

// LoginRequest is the body of POST /member/login. Username carries the user id.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// MemberRegisterRequest is the body of POST /member/join.
type MemberRegisterRequest struct {
	UserID      string `json:"userId"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	Nickname    string `json:"nickname"`
	UserAddress string `json:"userAddress"`
	UserPhone   string `json:"userPhone"`
	UserRole    string `json:"userRole"`
}

// MemberInfo is the current user as returned by GET /member/me.
type MemberInfo struct {
	MID          int64  `json:"mid"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Nickname     string `json:"nickname"`
	UserRole     string `json:"userRole"`
	AccountLevel int    `json:"accountLevel"`
}

// DisplayName prefers the nickname.
func (m MemberInfo) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

// Login authenticates and stores the issued credential pair.
func (c *Client) Login(ctx context.Context, in LoginRequest) error {
	var out session.Credential
	if err := c.sendJSON(ctx, http.MethodPost, LoginPath, in, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("login: response without accessToken")
	}
	if err := c.store.Set(ctx, out); err != nil {
		// the credential is live in memory; only persistence failed
		slog.Warn("login credential not persisted", slog.Any("err", err), slog.String("component", "api"))
	}
	slog.Info("logged in", slog.String("user", in.Username), slog.String("component", "api"))
	return nil
}

// Register creates a member account.
func (c *Client) Register(ctx context.Context, in MemberRegisterRequest) error {
	if err := c.sendJSON(ctx, http.MethodPost, JoinPath, in, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Me fetches the current member.
func (c *Client) Me(ctx context.Context) (MemberInfo, error) {
	var m MemberInfo
	if err := c.decodeInto(ctx, Request{Method: http.MethodGet, Path: "/member/me"}, &m); err != nil {
		return MemberInfo{}, fmt.Errorf("fetch current member: %w", err)
	}
	return m, nil
}

// Logout notifies the backend and clears the local session whatever the outcome.
func (c *Client) Logout(ctx context.Context) error {
	var callErr error
	if c.store.Authenticated() {
		resp, err := c.Send(ctx, Request{Method: http.MethodPost, Path: "/member/logout"})
		if err != nil {
			callErr = err
		} else {
			callErr = resp.Err()
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		return errors.Join(callErr, err)
	}
	if callErr != nil {
		return fmt.Errorf("logout: %w", callErr)
	}
	return nil
}
