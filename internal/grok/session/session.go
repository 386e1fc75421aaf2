// Package session implements the three thin upstream POSTs that manage a
// Grok conversation's lifecycle outside the main chat-completions request:
// cloning a shared conversation, continuing an existing one, and minting a
// new share link.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// HeaderBuilder supplies the dynamic per-request headers (and cookie) the
// upstream expects; it is an external collaborator per spec.md §1.
type HeaderBuilder interface {
	Build() (map[string]string, error)
}

// Client issues the three session operations against a fixed upstream host.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Headers HeaderBuilder
}

// CloneResult is returned by Clone.
type CloneResult struct {
	ConversationID string
	LastResponseID string
}

// Clone POSTs to share_links/<id>/clone and extracts the continuation
// cursor: it prefers the last assistant-sender response, falling back to the
// last response of any sender.
func (c *Client) Clone(ctx context.Context, shareLinkID string) (CloneResult, error) {
	body, err := c.post(ctx, fmt.Sprintf("share_links/%s/clone", shareLinkID), nil)
	if err != nil {
		return CloneResult{}, err
	}

	result := CloneResult{ConversationID: gjson.GetBytes(body, "conversation.conversationId").String()}

	responses := gjson.GetBytes(body, "responses")
	var lastAny, lastAssistant string
	if responses.IsArray() {
		responses.ForEach(func(_, item gjson.Result) bool {
			id := item.Get("responseId").String()
			if id == "" {
				return true
			}
			lastAny = id
			if item.Get("sender").String() == "assistant" {
				lastAssistant = id
			}
			return true
		})
	}
	if lastAssistant != "" {
		result.LastResponseID = lastAssistant
	} else {
		result.LastResponseID = lastAny
	}
	return result, nil
}

// Continue POSTs an opaque payload to conversations/<id>/responses and
// returns the full buffered body. Used by the non-stream collector (F).
func (c *Client) Continue(ctx context.Context, conversationID string, payload any) ([]byte, error) {
	return c.post(ctx, fmt.Sprintf("conversations/%s/responses", conversationID), payload)
}

// ContinueStream POSTs the same opaque payload but returns the live response
// body unread, so the streaming transformer (E) can consume it incrementally
// instead of buffering the whole NDJSON body in memory first. The caller owns
// closing the returned body.
func (c *Client) ContinueStream(ctx context.Context, conversationID string, payload any) (io.ReadCloser, error) {
	resp, err := c.do(ctx, fmt.Sprintf("conversations/%s/responses", conversationID), payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &statusError{path: fmt.Sprintf("conversations/%s/responses", conversationID), status: resp.StatusCode}
	}
	return resp.Body, nil
}

// Share POSTs to conversations/<id>/share.
func (c *Client) Share(ctx context.Context, conversationID, responseID string) ([]byte, error) {
	payload := map[string]any{"responseId": responseID, "allowIndexing": true}
	return c.post(ctx, fmt.Sprintf("conversations/%s/share", conversationID), payload)
}

// StepFailure is the structured failure record spec.md §7 requires for any
// account-flow step. Flows short-circuit on the first non-ok step.
type StepFailure struct {
	Step       string
	OK         bool
	Status     int
	GRPCStatus *int
	Err        string
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading body: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{path: path, status: resp.StatusCode}
	}
	return body, nil
}

// statusError carries the upstream HTTP status so callers building a
// StepFailure record (spec.md §7) can report it.
type statusError struct {
	path   string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.path, e.status)
}

// do issues the POST and returns the raw response with its body unread; the
// caller is responsible for closing it.
func (c *Client) do(ctx context.Context, path string, payload any) (*http.Response, error) {
	headers, err := c.Headers.Build()
	if err != nil {
		return nil, fmt.Errorf("building headers: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		reqBody = bytes.NewReader(enc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resp, nil
}
