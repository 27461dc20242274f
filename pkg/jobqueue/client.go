package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/andrej220/batchexec/internal/lg"
)

// Client talks to one queue server. Implementations must be safe for
// concurrent use.
type Client interface {
	Register(ctx context.Context, job *Job) (JobID, error)
	Submit(ctx context.Context, id JobID) error
	Status(ctx context.Context, id JobID) (*Status, error)
}

// ClientFactory creates the client of an endpoint.
type ClientFactory func(Endpoint) Client

// ResponseError is returned when a queue server rejects a request.
type ResponseError struct {
	Method        string
	URL           string
	StatusCode    int
	ServerCode    string
	ServerMessage string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s %s: status=%d, servercode=%s, servermessage=%s",
		e.Method, e.URL, e.StatusCode, e.ServerCode, e.ServerMessage)
}

// HTTPClient implements Client over the queue's JSON/HTTP protocol:
//
//	POST {base}jobs               register, returns status with jrid
//	PUT  {base}jobs/{id}/execute  submit
//	GET  {base}jobs/{id}          status
type HTTPClient struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	logger   lg.Logger
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

func WithClientLogger(l lg.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

func NewHTTPClient(ep Endpoint, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:  normalize(ep.URL),
		user:     ep.User,
		password: ep.Password,
		http:     &http.Client{},
		logger:   lg.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClientFactory returns a ClientFactory producing *HTTPClient.
func HTTPClientFactory(opts ...HTTPOption) ClientFactory {
	return func(ep Endpoint) Client { return NewHTTPClient(ep, opts...) }
}

func normalize(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

func (c *HTTPClient) BaseURL() string { return c.baseURL }

func (c *HTTPClient) String() string { return fmt.Sprintf("HTTPClient(%s)", c.baseURL) }

func (c *HTTPClient) Register(ctx context.Context, job *Job) (JobID, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job, err)
	}
	status, err := c.do(ctx, http.MethodPost, "jobs", body)
	if err != nil {
		return "", fmt.Errorf("failed to register a job %s: %w", job, err)
	}
	return status.JobID, nil
}

func (c *HTTPClient) Submit(ctx context.Context, id JobID) error {
	if _, err := c.do(ctx, http.MethodPut, "jobs/"+url.PathEscape(string(id))+"/execute", nil); err != nil {
		return fmt.Errorf("failed to submit job %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) Status(ctx context.Context, id JobID) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "jobs/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, err
	}
	status, _, err := c.exchange(req)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain the job status %s: %w", id, err)
	}
	return status, nil
}

// do sends a request whose successful answer must not be in error state.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*Status, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	status, code, err := c.exchange(req)
	if err != nil {
		return nil, err
	}
	if status.Kind == Error {
		return nil, &ResponseError{
			Method:        method,
			URL:           req.URL.String(),
			StatusCode:    code,
			ServerCode:    status.ErrorCode,
			ServerMessage: status.ErrorMessage,
		}
	}
	return status, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

func (c *HTTPClient) exchange(req *http.Request) (*Status, int, error) {
	c.logger.Debug("sending job request", lg.String("method", req.Method), lg.String("uri", req.URL.String()))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response (uri=%s): %w", req.URL, err)
	}
	status, parseErr := parseStatus(data)
	if resp.StatusCode != http.StatusOK {
		rerr := &ResponseError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
		if parseErr == nil {
			rerr.ServerCode, rerr.ServerMessage = status.ErrorCode, status.ErrorMessage
		}
		return nil, resp.StatusCode, rerr
	}
	if parseErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("invalid response message (uri=%s): %w", req.URL, parseErr)
	}
	return status, resp.StatusCode, nil
}

func parseStatus(data []byte) (*Status, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var msg statusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("not a valid JSON object: %w", err)
	}
	return msg.toStatus()
}
