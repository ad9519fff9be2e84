package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/token"
)

// oauthRefresher exchanges refresh tokens against the hub's OAuth token
// endpoint.
type oauthRefresher struct {
	endpoint string
	client   *http.Client
}

func newOAuthRefresher(endpoint string) *oauthRefresher {
	return &oauthRefresher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// tokenResponse is the hub's OAuth token endpoint response. Lifetimes
// are in seconds.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// Refresh implements token.Refresher.
func (r *oauthRefresher) Refresh(ctx context.Context, refreshToken string) (token.Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return token.Grant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return token.Grant{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return token.Grant{}, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return token.Grant{}, fmt.Errorf("malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return token.Grant{}, fmt.Errorf("token endpoint returned no access token")
	}

	return token.Grant{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		AccessTTL:    time.Duration(tr.ExpiresIn) * time.Second,
		RefreshTTL:   time.Duration(tr.RefreshTokenExpiresIn) * time.Second,
	}, nil
}

// Compile-time interface satisfaction check.
var _ token.Refresher = (*oauthRefresher)(nil)
