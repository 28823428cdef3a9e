// Package content produces post bodies, comments and replies.
package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/cafeyard/internal/apiclient"
	"github.com/zulandar/cafeyard/internal/platform"
)

// Generator is the text collaborator. Calls may be slow or fail.
type Generator interface {
	Generate(ctx context.Context, topic string) (string, error)
	Comment(ctx context.Context, topic string) (string, error)
	Reply(ctx context.Context, topic, comment string) (string, error)
}

// Client is a Generator backed by the content service.
type Client struct {
	api *apiclient.Client
}

var _ Generator = (*Client)(nil)

// NewClient wraps an apiclient.Client.
func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api}
}

type request struct {
	Kind    string `json:"kind"`
	Topic   string `json:"topic"`
	Comment string `json:"comment,omitempty"`
}

type response struct {
	Text string `json:"text"`
}

func (c *Client) generate(ctx context.Context, req request) (string, error) {
	var resp response
	if err := c.api.Do(ctx, http.MethodPost, "/v1/generate", req, &resp); err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
			return "", platform.Permanent(fmt.Errorf("content: %s for %q: %w", req.Kind, req.Topic, err))
		}
		return "", fmt.Errorf("content: %s for %q: %w", req.Kind, req.Topic, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("content: %s for %q: empty text", req.Kind, req.Topic)
	}
	return text, nil
}

// Generate writes a post body about topic.
func (c *Client) Generate(ctx context.Context, topic string) (string, error) {
	return c.generate(ctx, request{Kind: "post", Topic: topic})
}

// Comment writes a comment for a post about topic.
func (c *Client) Comment(ctx context.Context, topic string) (string, error) {
	return c.generate(ctx, request{Kind: "comment", Topic: topic})
}

// Reply writes an answer to comment on a post about topic.
func (c *Client) Reply(ctx context.Context, topic, comment string) (string, error) {
	return c.generate(ctx, request{Kind: "reply", Topic: topic, Comment: comment})
}

// Templates is an offline Generator that fills fixed phrase lists. It is used
// when no content service is configured.
type Templates struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Generator = (*Templates)(nil)

// NewTemplates returns a Templates generator.
func NewTemplates() *Templates {
	return &Templates{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

var (
	postTemplates = []string{
		"Sharing a few notes on %s from this week.",
		"Has anyone else been trying %s lately? Here is what worked for me.",
		"A quick update on %s, with pictures to follow.",
	}
	commentTemplates = []string{
		"Thanks for sharing this about %s!",
		"Really useful, I had the same question about %s.",
		"Great post, bookmarking this for later.",
	}
	replyTemplates = []string{
		"Agreed, that matches what I saw too.",
		"Good point, thanks for adding that.",
		"Same here, glad it was not just me.",
	}
)

func (t *Templates) pick(list []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return list[t.rng.Intn(len(list))]
}

func fill(tmpl, topic string) string {
	if strings.Contains(tmpl, "%s") {
		return fmt.Sprintf(tmpl, topic)
	}
	return tmpl
}

func (t *Templates) Generate(_ context.Context, topic string) (string, error) {
	return fill(t.pick(postTemplates), topic), nil
}

func (t *Templates) Comment(_ context.Context, topic string) (string, error) {
	return fill(t.pick(commentTemplates), topic), nil
}

func (t *Templates) Reply(_ context.Context, _, _ string) (string, error) {
	return t.pick(replyTemplates), nil
}
