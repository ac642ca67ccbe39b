package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psaab/dhcp6c/pkg/api"
)

// client talks to the dhcp6cd HTTP API.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(base, apiKey string) *client {
	return &client{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// do sends a request and decodes the data of the response envelope into
// out, which may be nil.
func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	env := api.Response{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if !env.Success {
		return fmt.Errorf("%s", env.Error)
	}
	return nil
}

func (c *client) status(ctx context.Context) (api.StatusInfo, error) {
	var st api.StatusInfo
	err := c.do(ctx, "GET", "/api/v1/status", &st)
	return st, err
}

func (c *client) sessions(ctx context.Context, iface string) ([]api.SessionEntry, error) {
	path := "/api/v1/sessions"
	if iface != "" {
		path += "?interface=" + url.QueryEscape(iface)
	}
	var out []api.SessionEntry
	err := c.do(ctx, "GET", path, &out)
	return out, err
}

func (c *client) statistics(ctx context.Context) (api.StatisticsInfo, error) {
	var st api.StatisticsInfo
	err := c.do(ctx, "GET", "/api/v1/statistics", &st)
	return st, err
}

func (c *client) identifiers(ctx context.Context) ([]api.IdentifierEntry, error) {
	var out []api.IdentifierEntry
	err := c.do(ctx, "GET", "/api/v1/identifiers", &out)
	return out, err
}

func (c *client) events(ctx context.Context, iface string, limit int) ([]api.EventEntry, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if iface != "" {
		q.Set("interface", iface)
	}
	var out []api.EventEntry
	err := c.do(ctx, "GET", "/api/v1/events?"+q.Encode(), &out)
	return out, err
}

func (c *client) action(ctx context.Context, path string) error {
	return c.do(ctx, "POST", path, nil)
}

// streamEvents calls fn for every event until ctx is cancelled.
func (c *client) streamEvents(ctx context.Context, iface string, fn func(api.EventEntry)) error {
	path := "/api/v1/events/stream"
	if iface != "" {
		path += "?interface=" + url.QueryEscape(iface)
	}
	req, err := c.newRequest(ctx, "GET", path)
	if err != nil {
		return err
	}
	// The stream has no deadline.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: %s", resp.Status)
	}
	return readSSE(resp.Body, fn)
}

// readSSE decodes the data lines of an event stream.
func readSSE(r io.Reader, fn func(api.EventEntry)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e api.EventEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		fn(e)
	}
	return scanner.Err()
}
