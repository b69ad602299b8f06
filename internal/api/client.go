package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3/client"

	"github.com/rajivgeraev/aski-chat/internal/config"
	"github.com/rajivgeraev/aski-chat/internal/models"
)

// ErrUnreadableResponse is returned when a call succeeded but its response
// body could not be decoded
var ErrUnreadableResponse = errors.New("unreadable backend response")

// Error is a failed backend call
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// ErrorMessage returns the most specific user-facing text for err
func ErrorMessage(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// Client talks to the Aski REST backend
type Client struct {
	http *client.Client
}

// NewClient creates a backend client authenticated with the session token
func NewClient(cfg *config.Config) *Client {
	cc := client.New().
		SetBaseURL(strings.TrimSuffix(cfg.APIBaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Authorization", "Bearer "+cfg.AuthToken).
		SetHeader("Accept", "application/json")

	return &Client{http: cc}
}

// FetchChats returns the chat list of the session user
func (c *Client) FetchChats(ctx context.Context) ([]models.Chat, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/chats")
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	defer resp.Close()

	data, err := unwrapData(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	return models.DecodeChats(data)
}

// FetchMessages returns the messages of a chat
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	resp, err := c.http.R().SetContext(ctx).Get(chatPath(chatID, "messages"))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Close()

	data, err := unwrapData(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return models.DecodeMessages(data)
}

// SendMessage posts a text message and returns the stored message
func (c *Client) SendMessage(ctx context.Context, chatID string, req models.SendMessageRequest) (*models.Message, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetJSON(req).
		Post(chatPath(chatID, "messages"))
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Close()

	data, err := unwrapData(resp)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	msg, err := models.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	return &msg, nil
}

// SendFile uploads a file message as multipart form data
func (c *Client) SendFile(ctx context.Context, chatID string, file models.FileUpload, replyTo string) (*models.Message, error) {
	upload := client.AcquireFile(
		client.SetFileName(file.Name),
		client.SetFileFieldName("file"),
		client.SetFileReader(io.NopCloser(file.Reader)),
	)

	req := c.http.R().SetContext(ctx).AddFiles(upload)
	if replyTo != "" {
		req.SetFormData("replyTo", replyTo)
	}

	resp, err := req.Post(chatPath(chatID, "messages", "file"))
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	defer resp.Close()

	data, err := unwrapData(resp)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	msg, err := models.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("send file: %w: %v", ErrUnreadableResponse, err)
	}
	return &msg, nil
}

// MarkChatRead acknowledges every message of the chat for the session user
func (c *Client) MarkChatRead(ctx context.Context, chatID string) error {
	resp, err := c.http.R().SetContext(ctx).Put(chatPath(chatID, "read"))
	if err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	defer resp.Close()

	if _, err := unwrapData(resp); err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	return nil
}

func chatPath(chatID string, parts ...string) string {
	segments := append([]string{"/chats", url.PathEscape(chatID)}, parts...)
	return strings.Join(segments, "/")
}

// errorBody covers the error shapes the backend produces
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    *struct {
		Message string `json:"message"`
	} `json:"data"`
}

// unwrapData checks the status and returns the {"data": ...} payload,
// or the whole body when it is not wrapped
func unwrapData(resp *client.Response) ([]byte, error) {
	body := resp.Body()
	status := resp.StatusCode()

	if status < 200 || status > 299 {
		apiErr := &Error{Status: status}
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err == nil {
			switch {
			case eb.Data != nil && eb.Data.Message != "":
				apiErr.Message = eb.Data.Message
			case eb.Message != "":
				apiErr.Message = eb.Message
			default:
				apiErr.Message = eb.Error
			}
		}
		return nil, apiErr
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Data) > 0 {
			return envelope.Data, nil
		}
	}
	return trimmed, nil
}
