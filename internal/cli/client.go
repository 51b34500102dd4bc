package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/sse"
)

// errNoStream is returned when the server has nothing to resume.
var errNoStream = errors.New("no stream to resume")

// Client talks to the chat service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// Guest requests a guest access token.
func (c *Client) Guest(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/guest", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode guest response: %w", err)
	}
	return payload.Token, nil
}

// Send posts a message and streams the reply deltas to fn. It returns the
// conversation id and the last Seq seen.
func (c *Client) Send(ctx context.Context, chatID, text string, fn func(delta.Delta) error) (string, int64, error) {
	body := map[string]any{
		"id": chatID,
		"message": domain.Message{
			Role:  domain.RoleUser,
			Parts: []domain.Part{{Type: domain.PartText, Text: text}},
		},
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", body, nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	last, _, err := consume(resp.Body, 0, fn)
	return resp.Header.Get("X-Chat-Id"), last, err
}

// Resume streams deltas after cursor. finished reports whether the terminal
// delta was received before the connection ended.
func (c *Client) Resume(ctx context.Context, chatID string, cursor int64, fn func(delta.Delta) error) (last int64, finished bool, err error) {
	header := http.Header{}
	if cursor > 0 {
		header.Set("Last-Event-ID", strconv.FormatInt(cursor, 10))
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID)+"/stream", nil, header)
	if err != nil {
		return cursor, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return cursor, false, errNoStream
	}
	return consume(resp.Body, cursor, fn)
}

// Stop asks the server to stop the conversation's running stream.
func (c *Client) Stop(ctx context.Context, chatID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(chatID)+"/stop", nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func consume(body io.Reader, cursor int64, fn func(delta.Delta) error) (int64, bool, error) {
	r := sse.NewReader(body)
	last := cursor
	for {
		d, err := r.NextDelta()
		if errors.Is(err, io.EOF) {
			return last, false, nil
		}
		if err != nil {
			return last, false, err
		}
		if d.Seq > last {
			last = d.Seq
		}
		if err := fn(d); err != nil {
			return last, false, err
		}
		if d.Terminal() {
			return last, true, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
		if payload.Error == "" {
			payload.Error = resp.Status
		}
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, payload.Error)
	}
	return resp, nil
}
