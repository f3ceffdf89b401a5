package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Default application/role used when the login response lists none.
const (
	DefaultAppID  = "APP01"
	DefaultRoleID = "ROL23"
)

var ErrNoCredentials = errors.New("no username/password configured")

// Identity is who the kiosk is logged in as.
type Identity struct {
	Username    string
	Name        string
	AppID       string
	RoleID      string
	Permissions []string
	ExpiresAt   time.Time // zero when the token carries no expiry
}

type loginRequest struct {
	Username      string `json:"Username"`
	Password      string `json:"Password"`
	JenisAplikasi string `json:"JenisAplikasi"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Nama         string `json:"nama"`
	ListAplikasi []struct {
		AppID  string `json:"appId"`
		RoleID string `json:"roleId"`
	} `json:"listAplikasi"`
}

type permissionRequest struct {
	Username string `json:"username"`
	AppID    string `json:"appId"`
	RoleID   string `json:"roleId"`
}

type permissionResponse struct {
	Token          string            `json:"token"`
	ListPermission []json.RawMessage `json:"listPermission"`
	ExpiresAt      string            `json:"expiresAt"`
}

// Login runs the two-step login: credentials first, then the permission
// exchange whose token replaces the first one.
func (c *Client) Login(ctx context.Context) (*Identity, error) {
	if c.opts.Username == "" || c.opts.Password == "" {
		return nil, ErrNoCredentials
	}

	var lr loginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{
		Username:      c.opts.Username,
		Password:      c.opts.Password,
		JenisAplikasi: c.opts.AppType,
	}, &lr)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if lr.Token == "" {
		return nil, fmt.Errorf("login failed: %w: no token", ErrMalformedResponse)
	}
	c.SetToken(lr.Token)

	id := &Identity{Username: c.opts.Username, Name: lr.Nama, AppID: DefaultAppID, RoleID: DefaultRoleID}
	if len(lr.ListAplikasi) > 0 {
		if app := lr.ListAplikasi[0]; app.AppID != "" {
			id.AppID = app.AppID
			if app.RoleID != "" {
				id.RoleID = app.RoleID
			}
		}
	}

	var pr permissionResponse
	err = c.do(ctx, http.MethodPost, "/auth/getpermission", permissionRequest{
		Username: c.opts.Username,
		AppID:    id.AppID,
		RoleID:   id.RoleID,
	}, &pr)
	if err != nil {
		return nil, fmt.Errorf("permission exchange failed: %w", err)
	}
	if pr.Token != "" {
		c.SetToken(pr.Token)
	}
	for _, raw := range pr.ListPermission {
		if p := permissionName(raw); p != "" {
			id.Permissions = append(id.Permissions, p)
		}
	}

	c.mu.Lock()
	id.ExpiresAt = c.expires
	if id.ExpiresAt.IsZero() && pr.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, pr.ExpiresAt); err == nil {
			id.ExpiresAt = t
			c.expires = t
		}
	}
	c.identity = id
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"user":        id.Username,
		"app":         id.AppID,
		"role":        id.RoleID,
		"permissions": len(id.Permissions),
	}).Info("logged in")
	return id, nil
}

// Identity returns the last successful login, or nil.
func (c *Client) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetToken installs a bearer token and records its exp claim, if any.
func (c *Client) SetToken(token string) {
	exp := tokenExpiry(token)
	c.mu.Lock()
	c.token = token
	c.expires = exp
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ensureToken logs in again when the token has expired and credentials exist.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	token, exp := c.token, c.expires
	c.mu.Unlock()

	if c.opts.Username == "" || c.opts.Password == "" {
		return nil
	}
	if token != "" && (exp.IsZero() || c.now().Before(exp)) {
		return nil
	}
	if token != "" {
		c.log.Info("token expired, logging in again")
	}
	_, err := c.Login(ctx)
	return err
}

// tokenExpiry reads exp without verifying the signature; the server does that.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func permissionName(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	v, _ := flexString(field(obj, "permissionName", "permission", "name", "code"))
	return v
}
