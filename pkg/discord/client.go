// Package discord grants and revokes a guild role over the Discord REST
// API. It implements subsync.RoleSyncer so the manager can mirror
// subscription state into a community server.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	discordAPIBaseURL  = "https://discord.com/api/v10"
	defaultHTTPTimeout = 10 * time.Second
)

// ErrMemberNotFound indicates the Discord user is not a member of the
// configured guild. Role sync cannot succeed until they join.
var ErrMemberNotFound = errors.New("discord: guild member not found")

// Config holds the settings for the Discord role client.
type Config struct {
	// BotToken is the bot token used for authorization. Required.
	BotToken string

	// GuildID is the server whose role is managed. Required.
	GuildID string

	// RoleID is the role granted to active subscribers. Required.
	RoleID string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// BaseURL overrides the Discord API endpoint. Used in tests.
	BaseURL string

	// Logger is an optional logger for role operations.
	Logger subsync.Logger
}

// Client manages a single subscriber role in a single guild.
type Client struct {
	token      string
	guildID    string
	roleID     string
	baseURL    string
	httpClient *http.Client
	logger     subsync.Logger
}

// NewClient creates a Discord role client. The bot must have the
// Manage Roles permission in the configured guild.
func NewClient(config Config) (*Client, error) {
	token := strings.TrimSpace(config.BotToken)

	// Allow the token to be provided with the "Bot " prefix and strip it.
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		token = strings.TrimSpace(token[len("bot "):])
	}

	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if strings.TrimSpace(config.GuildID) == "" {
		return nil, errors.New("discord: guild ID is required")
	}
	if strings.TrimSpace(config.RoleID) == "" {
		return nil, errors.New("discord: role ID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = discordAPIBaseURL
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return &Client{
		token:      token,
		guildID:    strings.TrimSpace(config.GuildID),
		roleID:     strings.TrimSpace(config.RoleID),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// guildMemberResponse represents the Discord API guild member response
type guildMemberResponse struct {
	Roles []string `json:"roles"`
}

// SyncRole grants the subscriber role when active is true and removes
// it otherwise. The member is fetched first so a sync that matches the
// current role state is a no-op and never touches the role endpoint.
func (c *Client) SyncRole(ctx context.Context, discordID string, active bool) error {
	if strings.TrimSpace(discordID) == "" {
		return fmt.Errorf("%w: empty discord user ID", subsync.ErrRoleSync)
	}

	hasRole, err := c.memberHasRole(ctx, discordID)
	if err != nil {
		return err
	}
	if hasRole == active {
		c.logger.Debug("discord role already in desired state",
			subsync.Field{Key: "discord_id", Value: discordID},
			subsync.Field{Key: "active", Value: active})
		return nil
	}

	method := http.MethodDelete
	if active {
		method = http.MethodPut
	}

	url := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", c.baseURL, c.guildID, discordID, c.roleID)

	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", subsync.ErrRoleSync, err)
	}

	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("X-Audit-Log-Reason", auditReason(active))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", subsync.ErrRoleSync, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", subsync.ErrRoleSync, err)
	}

	switch {
	case res.StatusCode == http.StatusNoContent:
		c.logger.Info("discord role synced",
			subsync.Field{Key: "discord_id", Value: discordID},
			subsync.Field{Key: "active", Value: active})
		return nil
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: user %s", ErrMemberNotFound, discordID)
	case res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited by discord", subsync.ErrRoleSync)
	default:
		return fmt.Errorf("%w: discord API error: status %d, body: %s",
			subsync.ErrRoleSync, res.StatusCode, string(body))
	}
}

// memberHasRole fetches the guild member and reports whether the
// configured role is currently assigned.
func (c *Client) memberHasRole(ctx context.Context, discordID string) (bool, error) {
	url := fmt.Sprintf("%s/guilds/%s/members/%s", c.baseURL, c.guildID, discordID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("%w: failed to create request: %v", subsync.ErrRoleSync, err)
	}

	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: member lookup failed: %v", subsync.ErrRoleSync, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return false, fmt.Errorf("%w: failed to read response: %v", subsync.ErrRoleSync, err)
	}

	if res.StatusCode == http.StatusNotFound {
		return false, fmt.Errorf("%w: user %s", ErrMemberNotFound, discordID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, fmt.Errorf("%w: discord API error: status %d, body: %s",
			subsync.ErrRoleSync, res.StatusCode, string(body))
	}

	var member guildMemberResponse
	if err := json.Unmarshal(body, &member); err != nil {
		return false, fmt.Errorf("%w: failed to parse member: %v", subsync.ErrRoleSync, err)
	}

	for _, role := range member.Roles {
		if role == c.roleID {
			return true, nil
		}
	}
	return false, nil
}

func auditReason(active bool) string {
	if active {
		return "subscription active"
	}
	return "subscription ended"
}
