// Package platform defines the contract for performing actions on the
// community platform and the error taxonomy workers use to react to failures.
package platform

import (
	"context"
	"errors"
	"time"
)

// Credentials identify an account to the platform.
type Credentials struct {
	AccountID  string
	Credential string
}

// SessionState is the opaque authenticated context for one account. It is
// persisted between processes by the session manager.
type SessionState struct {
	AccountID string            `json:"account_id"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Empty reports whether the state carries no credentials.
func (s SessionState) Empty() bool {
	return s.Token == "" && len(s.Cookies) == 0
}

// Article is a new post.
type Article struct {
	CafeID  string
	MenuID  string
	Subject string
	Body    string
}

// Client performs account actions on the platform. Every call may be slow
// and must honor ctx.
type Client interface {
	Login(ctx context.Context, creds Credentials) (SessionState, error)
	// Validate probes whether state is still accepted by the platform.
	Validate(ctx context.Context, state SessionState) (bool, error)
	PublishPost(ctx context.Context, state SessionState, a Article) (articleRef string, err error)
	PublishComment(ctx context.Context, state SessionState, articleRef, body string) error
	PublishReply(ctx context.Context, state SessionState, articleRef string, parentIndex int, body string) error
	// Close releases platform-side resources held for state.
	Close(ctx context.Context, state SessionState) error
}

var (
	ErrAuth        = errors.New("platform: authentication rejected")
	ErrRateLimited = errors.New("platform: rate limited")
	ErrTransient   = errors.New("platform: transient failure")
	ErrRejected    = errors.New("platform: request rejected")
)

// Kind is the retry class of an action error.
type Kind int

const (
	Transient Kind = iota
	Auth
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Classify maps an action error to its retry class. Timeouts, rate limits,
// network errors and anything unrecognised are transient.
func Classify(err error) Kind {
	var p permanent
	switch {
	case errors.Is(err, ErrAuth):
		return Auth
	case errors.Is(err, ErrRejected), errors.As(err, &p):
		return Fatal
	}
	return Transient
}
