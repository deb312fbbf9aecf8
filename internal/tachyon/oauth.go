package tachyon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenScope = "tachyon.lobby"

// token is the bearer credential for one duplex connection, with its expiry
// from the JWT exp claim or, failing that, from expires_in.
type token struct {
	Access    string
	ExpiresAt time.Time // zero when unknown
}

type serverMetadata struct {
	TokenEndpoint          string   `json:"token_endpoint"`
	ResponseTypesSupported []string `json:"response_types_supported"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// fetchToken runs the OAuth2 client-credentials handshake against the lobby
// host's authorization server metadata.
func fetchToken(ctx context.Context, client *http.Client, baseURL, clientID, clientSecret string) (*token, error) {
	meta, err := fetchMetadata(ctx, client, baseURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", tokenScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oerr oauthError
		if json.Unmarshal(body, &oerr) == nil && oerr.Code != "" {
			if oerr.Description != "" {
				return nil, fmt.Errorf("token request failed: %s: %s", oerr.Code, oerr.Description)
			}
			return nil, fmt.Errorf("token request failed: %s", oerr.Code)
		}
		return nil, fmt.Errorf("token request failed: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.TokenType != "Bearer" {
		return nil, fmt.Errorf("unsupported token type %q", tr.TokenType)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &token{Access: tr.AccessToken, ExpiresAt: tokenExpiry(tr)}, nil
}

func fetchMetadata(ctx context.Context, client *http.Client, baseURL string) (*serverMetadata, error) {
	metaURL := strings.TrimSuffix(baseURL, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching oauth metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth metadata returned %s", resp.Status)
	}

	var meta serverMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parsing oauth metadata: %w", err)
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("oauth metadata missing token_endpoint")
	}
	supported := false
	for _, rt := range meta.ResponseTypesSupported {
		if rt == "token" {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("authorization server does not support token responses")
	}
	return &meta, nil
}

// tokenExpiry derives the token lifetime, preferring the exp claim when the
// access token is a JWT. The claim is read without verifying the signature:
// the token is the server's own and its expiry is only logged and reported
// by Client.TokenExpiry; nothing re-authenticates when it lapses.
func tokenExpiry(tr tokenResponse) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Time{}
}
