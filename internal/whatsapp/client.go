// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Graph API host serving the Cloud API.
const DefaultBaseURL = "https://graph.facebook.com"

// DefaultVersion is the Graph API version used when none is configured.
const DefaultVersion = "v21.0"

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph API returned HTTP %d", e.StatusCode)
	}
	return e.Message
}

// Client sends messages through the Cloud API. Every call carries the
// tenant's own access token, so the client itself holds no credentials.
type Client struct {
	baseURL   string
	version   string
	transport http.RoundTripper
	timeout   time.Duration
}

// NewClient creates a Cloud API client. An empty baseURL or version falls
// back to the defaults.
func NewClient(baseURL, version string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if version == "" {
		version = DefaultVersion
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		version:   version,
		transport: http.DefaultTransport,
		timeout:   timeout,
	}
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends a plain text message from phoneNumberID to the recipient
// and returns the provider message id. The call is made exactly once.
func (c *Client) SendText(ctx context.Context, accessToken, phoneNumberID, to, text string) (string, error) {
	if accessToken == "" {
		return "", errors.New("access token is empty")
	}

	rc := c.restyFor(accessToken)

	url := fmt.Sprintf("/%s/%s/messages", c.version, phoneNumberID)
	var result sendResponse
	var apiErr errorResponse

	resp, err := rc.R().
		SetContext(ctx).
		SetBody(sendRequest{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             textBody{PreviewURL: false, Body: text},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post(url)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	if resp.IsError() {
		return "", &APIError{
			StatusCode: resp.StatusCode(),
			Message:    apiErr.Error.Message,
			Type:       apiErr.Error.Type,
			Code:       apiErr.Error.Code,
		}
	}

	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", errors.New("send message: response carried no message id")
	}
	return result.Messages[0].ID, nil
}

// restyFor builds a resty client whose transport injects the bearer token.
func (c *Client) restyFor(accessToken string) *resty.Client {
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}

	return resty.NewWithClient(httpClient).
		SetBaseURL(c.baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}
