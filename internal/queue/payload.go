package queue

import (
	"encoding/json"
	"fmt"
)

// Job types.
const (
	TypePost    = "post"
	TypeComment = "comment"
	TypeReply   = "reply"
)

// Payload is the type-specific input of a job. It is one of PostPayload,
// CommentPayload or ReplyPayload.
type Payload interface {
	Type() string
	Validate() error
}

// PostPayload describes a new article. The body is generated at execution.
type PostPayload struct {
	Subject  string `json:"subject"`
	Keyword  string `json:"keyword"`
	Category string `json:"category,omitempty"`
}

func (PostPayload) Type() string { return TypePost }

func (p PostPayload) Validate() error {
	if p.Subject == "" {
		return fmt.Errorf("post: subject is required")
	}
	return nil
}

// CommentPayload targets an article. When PostJobID is set the article
// reference is taken from that post job's result at execution.
type CommentPayload struct {
	PostJobID  string `json:"post_job_id,omitempty"`
	ArticleRef string `json:"article_ref,omitempty"`
	Content    string `json:"content"`
}

func (CommentPayload) Type() string { return TypeComment }

func (p CommentPayload) Validate() error {
	if p.PostJobID == "" && p.ArticleRef == "" {
		return fmt.Errorf("comment: post_job_id or article_ref is required")
	}
	if p.Content == "" {
		return fmt.Errorf("comment: content is required")
	}
	return nil
}

// ReplyPayload answers the comment at ParentIndex on an article.
type ReplyPayload struct {
	PostJobID    string `json:"post_job_id,omitempty"`
	CommentJobID string `json:"comment_job_id,omitempty"`
	ArticleRef   string `json:"article_ref,omitempty"`
	ParentIndex  int    `json:"parent_index"`
	Content      string `json:"content"`
}

func (ReplyPayload) Type() string { return TypeReply }

func (p ReplyPayload) Validate() error {
	if p.PostJobID == "" && p.ArticleRef == "" {
		return fmt.Errorf("reply: post_job_id or article_ref is required")
	}
	if p.ParentIndex < 0 {
		return fmt.Errorf("reply: parent_index must not be negative")
	}
	if p.Content == "" {
		return fmt.Errorf("reply: content is required")
	}
	return nil
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload validates p and wraps it in a typed JSON envelope.
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("queue: payload is required")
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("queue: invalid payload: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	out, err := json.Marshal(envelope{Type: p.Type(), Data: data})
	if err != nil {
		return "", fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return string(out), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) (Payload, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Type {
	case TypePost:
		var v PostPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case TypeComment:
		var v CommentPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case TypeReply:
		var v ReplyPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("queue: unknown payload type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: decode %s payload: %w", env.Type, err)
	}
	return p, nil
}
