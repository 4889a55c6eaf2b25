package polling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// Fetcher reads the state a polling client reconciles against.
type Fetcher interface {
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)
	// Conversations lists every conversation for admins and the viewer's own otherwise.
	Conversations(ctx context.Context, viewer domain.Identity) ([]domain.ConversationSummary, error)
}

type MessageSource interface {
	ListMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	ListAllConversations(ctx context.Context) ([]domain.ConversationSummary, error)
}

// StoreFetcher polls the Message Store in process.
type StoreFetcher struct {
	Store MessageSource
}

func (f StoreFetcher) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return f.Store.ListMessages(ctx, conversationID)
}

func (f StoreFetcher) Conversations(ctx context.Context, viewer domain.Identity) ([]domain.ConversationSummary, error) {
	if viewer.Role == domain.RoleAdmin {
		return f.Store.ListAllConversations(ctx)
	}
	return f.Store.ListConversationsForUser(ctx, viewer.UserID)
}

// HTTPFetcher polls the REST surface of a coordinator.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type messagesResponse struct {
	Success  bool             `json:"success"`
	Messages []domain.Message `json:"messages"`
}

type conversationsResponse struct {
	Success bool                         `json:"success"`
	Data    []domain.ConversationSummary `json:"data"`
}

type sendResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    domain.Message `json:"data"`
}

func (f HTTPFetcher) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out messagesResponse
	if err := f.do(ctx, fiber.Get(f.url("/api/conversation/"+url.PathEscape(conversationID))), &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (f HTTPFetcher) Conversations(ctx context.Context, viewer domain.Identity) ([]domain.ConversationSummary, error) {
	var out conversationsResponse
	target := f.url("/api/conversations?userId=" + url.QueryEscape(viewer.UserID))
	if err := f.do(ctx, fiber.Get(target), &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Send posts a message through the degraded-mode surface. An empty
// conversationID opens a new support conversation.
func (f HTTPFetcher) Send(ctx context.Context, conversationID, body string) (domain.Message, error) {
	path := "/api/conversation"
	if conversationID != "" {
		path += "/" + url.PathEscape(conversationID)
	}
	a := fiber.Post(f.url(path))
	a.JSONEncoder(json.Marshal)
	a.JSON(fiber.Map{"message": body})

	var out sendResponse
	if err := f.do(ctx, a, &out); err != nil {
		return domain.Message{}, err
	}
	return out.Data, nil
}

func (f HTTPFetcher) url(path string) string {
	return strings.TrimRight(f.BaseURL, "/") + path
}

func (f HTTPFetcher) do(ctx context.Context, a *fiber.Agent, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Token != "" {
		a.Set(fiber.HeaderAuthorization, "Bearer "+f.Token)
	}
	timeout := f.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout == 0 || left < timeout {
			timeout = left
		}
	}
	if timeout > 0 {
		a.Timeout(timeout)
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("poll request: %w", errs[0])
	}
	switch {
	case code == fiber.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case code == fiber.StatusNotFound:
		return domain.ErrNotFound
	case code >= 400:
		return fmt.Errorf("poll request: status %d: %s", code, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	return nil
}
