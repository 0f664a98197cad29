// Package ctl is the client side of the daemon's control API, spoken over
// the session's unix socket.
package ctl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/courierapp/courier/internal/api"
	"github.com/goccy/go-json"
)

// Client talks to a running courierd over its unix socket.
type Client struct {
	http *http.Client
	base string
}

// New creates a client for the daemon behind the given socket path.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		// The host is ignored; the transport always dials the socket.
		base: "http://courierd",
		http: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the session status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Threads fetches the partner directory.
func (c *Client) Threads(ctx context.Context) (*api.ThreadsResponse, error) {
	var out api.ThreadsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/threads", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Select switches the open conversation to the given partner.
func (c *Client) Select(ctx context.Context, partnerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(partnerID)+"/select", nil, "", nil)
}

// Messages fetches the active conversation, or a partner's cached
// history when partnerID is set.
func (c *Client) Messages(ctx context.Context, partnerID string) (*api.MessagesResponse, error) {
	path := "/v1/messages"
	if partnerID != "" {
		path += "?partner=" + url.QueryEscape(partnerID)
	}
	var out api.MessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts a text message to the active conversation and returns the
// temp id of the in-flight entry.
func (c *Client) Send(ctx context.Context, content string) (string, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", err
	}
	var out struct {
		TempID string `json:"tempId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(body), "application/json", &out); err != nil {
		return "", err
	}
	return out.TempID, nil
}

// Upload sends a local file to the active conversation.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		TempID string `json:"tempId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/uploads", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.TempID, nil
}

// Typing reports local typing activity. With stop set it ends the
// indicator immediately instead of waiting for the daemon's debounce.
func (c *Client) Typing(ctx context.Context, stop bool) error {
	body := strings.NewReader(`{"stop":false}`)
	if stop {
		body = strings.NewReader(`{"stop":true}`)
	}
	return c.do(ctx, http.MethodPost, "/v1/typing", body, "application/json", nil)
}

// Search runs a full-text search over the cached messages.
func (c *Client) Search(ctx context.Context, query, threadID string) (*api.SearchResponse, error) {
	q := url.Values{"q": {query}}
	if threadID != "" {
		q.Set("threadId", threadID)
	}
	var out api.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/messages/search?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event is one entry of the daemon's event stream.
type Event struct {
	ID   string
	Kind string
	Data json.RawMessage
}

// Events follows the daemon's event stream, calling fn for every event
// until the context ends or the stream breaks.
func (c *Client) Events(ctx context.Context, namespace string, fn func(Event)) error {
	path := "/v1/events"
	if namespace != "" {
		path += "?ns=" + url.QueryEscape(namespace)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}

	// Streaming request: no overall timeout.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	var evt Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			evt.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			evt.Kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if evt.Kind != "" {
				fn(evt)
			}
			evt = Event{}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
