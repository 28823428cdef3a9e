// Package bridge implements platform.Client against the HTTP automation
// bridge that drives the community site.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zulandar/cafeyard/internal/apiclient"
	"github.com/zulandar/cafeyard/internal/platform"
)

// Client talks to the bridge service.
type Client struct {
	api *apiclient.Client
}

var _ platform.Client = (*Client)(nil)

// New wraps an apiclient.Client.
func New(api *apiclient.Client) *Client {
	return &Client{api: api}
}

type loginRequest struct {
	AccountID  string `json:"account_id"`
	Credential string `json:"credential"`
}

type sessionResponse struct {
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type sessionRequest struct {
	AccountID string            `json:"account_id"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

type postRequest struct {
	sessionRequest
	CafeID  string `json:"cafe_id"`
	MenuID  string `json:"menu_id,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type postResponse struct {
	ArticleRef string `json:"article_ref"`
}

type commentRequest struct {
	sessionRequest
	Body string `json:"body"`
}

func session(s platform.SessionState) sessionRequest {
	return sessionRequest{AccountID: s.AccountID, Token: s.Token, Cookies: s.Cookies}
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, creds platform.Credentials) (platform.SessionState, error) {
	var resp sessionResponse
	err := c.api.Do(ctx, http.MethodPost, "/v1/sessions", loginRequest{AccountID: creds.AccountID, Credential: creds.Credential}, &resp)
	if err != nil {
		return platform.SessionState{}, fmt.Errorf("bridge: login %s: %w", creds.AccountID, mapError(err))
	}
	return platform.SessionState{
		AccountID: creds.AccountID,
		Token:     resp.Token,
		Cookies:   resp.Cookies,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

// Validate asks the bridge whether the session is still accepted. An auth
// rejection is reported as invalid rather than as an error.
func (c *Client) Validate(ctx context.Context, state platform.SessionState) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.api.Do(ctx, http.MethodPost, "/v1/sessions/validate", session(state), &resp)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, platform.ErrAuth) {
			return false, nil
		}
		return false, fmt.Errorf("bridge: validate %s: %w", state.AccountID, err)
	}
	return resp.Valid, nil
}

// PublishPost creates an article and returns its reference.
func (c *Client) PublishPost(ctx context.Context, state platform.SessionState, a platform.Article) (string, error) {
	req := postRequest{
		sessionRequest: session(state),
		CafeID:         a.CafeID,
		MenuID:         a.MenuID,
		Subject:        a.Subject,
		Body:           a.Body,
	}
	var resp postResponse
	if err := c.api.Do(ctx, http.MethodPost, "/v1/articles", req, &resp); err != nil {
		return "", fmt.Errorf("bridge: publish post: %w", mapError(err))
	}
	if resp.ArticleRef == "" {
		return "", fmt.Errorf("bridge: publish post: %w", platform.ErrTransient)
	}
	return resp.ArticleRef, nil
}

// PublishComment comments on an article.
func (c *Client) PublishComment(ctx context.Context, state platform.SessionState, articleRef, body string) error {
	path := "/v1/articles/" + url.PathEscape(articleRef) + "/comments"
	if err := c.api.Do(ctx, http.MethodPost, path, commentRequest{sessionRequest: session(state), Body: body}, nil); err != nil {
		return fmt.Errorf("bridge: publish comment on %s: %w", articleRef, mapError(err))
	}
	return nil
}

// PublishReply replies to the comment at parentIndex on an article.
func (c *Client) PublishReply(ctx context.Context, state platform.SessionState, articleRef string, parentIndex int, body string) error {
	path := fmt.Sprintf("/v1/articles/%s/comments/%d/replies", url.PathEscape(articleRef), parentIndex)
	if err := c.api.Do(ctx, http.MethodPost, path, commentRequest{sessionRequest: session(state), Body: body}, nil); err != nil {
		return fmt.Errorf("bridge: publish reply on %s#%d: %w", articleRef, parentIndex, mapError(err))
	}
	return nil
}

// Close ends the bridge-side browser context for the session.
func (c *Client) Close(ctx context.Context, state platform.SessionState) error {
	if err := c.api.Do(ctx, http.MethodPost, "/v1/sessions/close", session(state), nil); err != nil {
		return fmt.Errorf("bridge: close %s: %w", state.AccountID, mapError(err))
	}
	return nil
}

// mapError translates HTTP status failures into the platform taxonomy.
func mapError(err error) error {
	var se *apiclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", platform.ErrAuth, se)
	case se.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", platform.ErrRateLimited, se)
	case se.Code == http.StatusRequestTimeout || se.Code >= 500:
		return fmt.Errorf("%w: %s", platform.ErrTransient, se)
	default:
		return fmt.Errorf("%w: %s", platform.ErrRejected, se)
	}
}
