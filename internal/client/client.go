// Package client talks to a running taskd server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/taskd/internal/api"
	"github.com/CZERTAINLY/taskd/internal/model"
)

const apiPath = "/api/v1"

type Client struct {
	baseURL *url.URL
	client  *http.Client
}

// New returns a client of the server at serverURL, e.g. http://127.0.0.1:8085.
func New(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://127.0.0.1:8085`")
	}
	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

func (c *Client) Submit(ctx context.Context, req model.Request) (model.Task, error) {
	var task model.Task
	err := c.do(ctx, http.MethodPost, "/tasks", nil, req, &task)
	return task, err
}

func (c *Client) Status(ctx context.Context, id string) (model.Task, error) {
	var task model.Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &task)
	return task, err
}

func (c *Client) List(ctx context.Context, f model.Filter) (api.ListResponse, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	var resp api.ListResponse
	err := c.do(ctx, http.MethodGet, "/tasks", q, nil, &resp)
	return resp, err
}

func (c *Client) Output(ctx context.Context, id string, since int64) (api.OutputResponse, error) {
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	var resp api.OutputResponse
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/output", q, nil, &resp)
	return resp, err
}

// Cancel returns "cancelling" or "already_terminal".
func (c *Client) Cancel(ctx context.Context, id string) (string, error) {
	var resp api.StatusResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, &resp)
	return resp.Status, err
}

// Tail copies the task output to w, polling every interval, and returns the
// terminal task.
func (c *Client) Tail(ctx context.Context, id string, w io.Writer, interval time.Duration) (model.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var since int64
	for {
		out, err := c.Output(ctx, id, since)
		if err != nil {
			return model.Task{}, err
		}
		for _, chunk := range out.Chunks {
			data, err := chunk.Bytes()
			if err != nil {
				return model.Task{}, fmt.Errorf("chunk at %d: %w", chunk.Offset, err)
			}
			if _, err := w.Write(data); err != nil {
				return model.Task{}, err
			}
		}
		since = out.NextOffset
		if out.IsFinal {
			return c.Status(ctx, id)
		}
		select {
		case <-ctx.Done():
			return model.Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, v any) error {
	u := *c.baseURL
	u.Path = apiPath + path
	u.RawQuery = q.Encode()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected content type %s, status: %d, body: %s", contentType, resp.StatusCode, string(respBody))
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	case http.StatusConflict:
		var busy api.BusyResponse
		if err := json.NewDecoder(resp.Body).Decode(&busy); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return &model.ResourceBusyError{ResourceKey: busy.ResourceKey, TaskID: busy.TaskID}
	}

	var problem struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", model.ErrInvalidRequest, problem.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, problem.Error)
	case http.StatusServiceUnavailable:
		return model.ErrShuttingDown
	}
	return fmt.Errorf("unknown error, status: %d, detail: %s", resp.StatusCode, problem.Error)
}
