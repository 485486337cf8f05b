// Package sms provides a client for sending text messages through a
// Twilio-compatible REST API.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Client represents an SMS provider client.
type Client struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// NewClient creates a new SMS client with the given provider credentials.
func NewClient(accountSID, authToken, from string) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    defaultBaseURL,
		client:     &http.Client{},
	}
}

// Send delivers a text message to the given phone number.
func (c *Client) Send(ctx context.Context, to, body string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	form := url.Values{}
	form.Set("From", c.from)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms API error: %s", resp.Status)
	}

	return nil
}
