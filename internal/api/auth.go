package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"dabba-client/internal/config"
	"dabba-client/internal/logging"
	"dabba-client/internal/session"
)

// AuthClient talks to the unauthenticated auth endpoints. It implements
// session.Refresher.
type AuthClient struct {
	http      *http.Client
	endpoints config.APIEndpoints
	logger    *logging.Logger
}

func NewAuthClient(httpClient *http.Client, endpoints config.APIEndpoints, logger *logging.Logger) *AuthClient {
	if httpClient == nil {
		panic("api.NewAuthClient: http client must not be nil")
	}
	if logger == nil {
		panic("api.NewAuthClient: logger must not be nil")
	}
	return &AuthClient{http: httpClient, endpoints: endpoints, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Profile      json.RawMessage `json:"profile,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges credentials for a token pair plus the user profile snapshot.
func (a *AuthClient) Login(ctx context.Context, email, password string) (session.TokenPair, json.RawMessage, error) {
	body, err := a.post(ctx, a.endpoints.LoginURL, loginRequest{Email: email, Password: password})
	if err != nil {
		return session.TokenPair{}, nil, err
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return session.TokenPair{}, nil, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return session.TokenPair{}, nil, errors.New("login response missing access token")
	}
	return session.TokenPair{Access: resp.AccessToken, Refresh: resp.RefreshToken}, resp.Profile, nil
}

// RefreshTokens exchanges a refresh token for a new pair. On success both
// tokens are replaced together; any failure leaves the caller to decide.
func (a *AuthClient) RefreshTokens(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	body, err := a.post(ctx, a.endpoints.RefreshURL, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return session.TokenPair{}, err
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return session.TokenPair{}, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return session.TokenPair{}, errors.New("refresh response missing access token")
	}
	return session.TokenPair{Access: resp.AccessToken, Refresh: resp.RefreshToken}, nil
}

func (a *AuthClient) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	a.logger.Debugf("POST %s -> %s", url, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 400 {
		a.logger.Warn("auth request failed",
			logging.Field("url", url),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}
