// Package push provides a client for sending push notifications through an
// FCM-compatible HTTP API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// Client represents a push provider client.
type Client struct {
	serverKey string
	endpoint  string
	client    *http.Client
}

// NewClient creates a new push client with the given server key.
func NewClient(serverKey string) *Client {
	return &Client{
		serverKey: serverKey,
		endpoint:  defaultEndpoint,
		client:    &http.Client{},
	}
}

type sendRequest struct {
	To           string       `json:"to"`
	Notification payload      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers a push message to the given device token.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	reqBody := sendRequest{
		To:           token,
		Notification: payload{Title: title, Body: body},
		Data:         data,
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "key="+c.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push API error: %s", resp.Status)
	}

	return nil
}
