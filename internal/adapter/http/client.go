package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/service"
)

// Client talks to a running API server. It is what the CLI job commands use.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	token   string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
}

// WithToken makes every request carry token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Submit posts a (possibly partial) JSON parameter object.
func (c *Client) Submit(ctx context.Context, params []byte) (*domain.Job, error) {
	job := &domain.Job{}
	return job, c.do(ctx, http.MethodPost, "/api/jobs", params, job)
}

func (c *Client) List(ctx context.Context, status domain.JobStatus) (*ListResponse, error) {
	path := "/api/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	resp := &ListResponse{}
	return resp, c.do(ctx, http.MethodGet, path, nil, resp)
}

func (c *Client) Job(ctx context.Context, id string) (*domain.Job, error) {
	job := &domain.Job{}
	return job, c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, job)
}

func (c *Client) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job := &domain.Job{}
	return job, c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, job)
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Capabilities(ctx context.Context) (domain.Snapshot, error) {
	var s domain.Snapshot
	return s, c.do(ctx, http.MethodGet, "/api/capabilities", nil, &s)
}

func (c *Client) Recommendation(ctx context.Context) (domain.Recommendation, error) {
	var r domain.Recommendation
	return r, c.do(ctx, http.MethodGet, "/api/recommendation", nil, &r)
}

// Watch follows the event stream of a job until the server ends it or ctx
// is cancelled. fn is called for every event.
func (c *Client) Watch(ctx context.Context, id string, fn func(service.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/jobs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "open event stream")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event service.Event
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return errors.Wrap(err, "decode event")
			}
			data.Reset()
			fn(event)
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "read event stream")
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "%s %s", method, path), "is `restora serve` running?")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

// decodeError turns an error reply back into the matching domain error.
func decodeError(resp *http.Response) error {
	var body ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}

	err := errors.New(body.Error)
	switch resp.StatusCode {
	case http.StatusBadRequest:
		err = errors.Mark(err, domain.ErrInvalidParams)
	case http.StatusNotFound:
		err = errors.Mark(err, domain.ErrNotFound)
	case http.StatusConflict:
		err = errors.Mark(err, domain.ErrInvalidTransition)
	default:
		err = errors.Wrapf(err, "server returned %s", resp.Status)
	}
	if body.Detail != "" {
		err = errors.WithDetail(err, body.Detail)
	}
	if body.Hint != "" {
		err = errors.WithHint(err, body.Hint)
	}
	return err
}
