package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	DefaultHelixURL = "https://api.twitch.tv/helix"
	DefaultAuthURL  = "https://id.twitch.tv/oauth2"
)

var (
	ErrUnauthorized = errors.New("twitch token is invalid or expired")
	ErrUserNotFound = errors.New("user not found")
)

// Client は Twitch Helix API のクライアント
type Client struct {
	ClientID    string
	AccessToken string
	HelixURL    string
	AuthURL     string
	HTTP        *http.Client
}

// NewClient creates a client for the given app credentials.
func NewClient(clientID, accessToken string) *Client {
	return &Client{
		ClientID:    clientID,
		AccessToken: accessToken,
		HelixURL:    DefaultHelixURL,
		AuthURL:     DefaultAuthURL,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
	}
}

// TokenInfo is the result of /oauth2/validate.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// User contains the fields we use from /helix/users.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// ValidateToken はアクセストークンを検証する。無効な場合は ErrUnauthorized を返す。
func (c *Client) ValidateToken(ctx context.Context) (*TokenInfo, error) {
	if c.AccessToken == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AuthURL+"/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+c.AccessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token validation failed with status: %d", resp.StatusCode)
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &info, nil
}

// GetUser はログイン名または数値のユーザーIDからユーザーを取得する。
func (c *Client) GetUser(ctx context.Context, ref string) (*User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrUserNotFound
	}

	key := "login"
	if isNumeric(ref) {
		key = "id"
	}
	reqURL := fmt.Sprintf("%s/users?%s=%s", c.HelixURL, key, url.QueryEscape(strings.ToLower(ref)))

	resp, err := c.makeAuthenticatedRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var result struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, ErrUserNotFound
	}
	return &result.Data[0], nil
}

// IsFollower は userID が broadcasterID をフォローしているかを返す。
// moderator:read:followers スコープが必要。
func (c *Client) IsFollower(ctx context.Context, broadcasterID, userID string) (bool, error) {
	reqURL := fmt.Sprintf("%s/channels/followers?broadcaster_id=%s&user_id=%s",
		c.HelixURL, url.QueryEscape(broadcasterID), url.QueryEscape(userID))

	resp, err := c.makeAuthenticatedRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return false, err
	}

	var result struct {
		Data []struct {
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return len(result.Data) > 0, nil
}

// SendChatMessage はsenderIDのアカウントでチャットにメッセージを送信する。
func (c *Client) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error {
	body, err := json.Marshal(map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.makeAuthenticatedRequest(ctx, http.MethodPost, c.HelixURL+"/chat/messages", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var result struct {
		Data []struct {
			IsSent     bool `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) > 0 && !result.Data[0].IsSent {
		reason := "unknown"
		if result.Data[0].DropReason != nil {
			reason = result.Data[0].DropReason.Message
		}
		return fmt.Errorf("chat message was dropped: %s", reason)
	}

	logger.Debug("Chat message sent",
		zap.String("broadcaster_id", broadcasterID),
		zap.String("message", message))
	return nil
}

func (c *Client) makeAuthenticatedRequest(ctx context.Context, method, reqURL string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Client-Id", c.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	logger.Warn("Twitch API returned error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", string(bodyBytes)))
	return fmt.Errorf("API request failed with status: %d", resp.StatusCode)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
