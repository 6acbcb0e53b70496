// Package appclient is a typed client for the neurolinkd control surface.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/neurolink/internal/api"
	"github.com/g960059/neurolink/internal/model"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// New talks to the daemon over its unix socket.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

// NewTCP talks to the daemon at host:port.
func NewTCP(addr string) *Client {
	return NewWithClient("http://"+strings.TrimPrefix(addr, "http://"), nil)
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

type ListOptions struct {
	SessionID    string
	Phase        string
	IncludeEnded bool
	Limit        int
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &out)
	return out, err
}

// NewSessionID asks the daemon for a fresh session id to use in START.
func (c *Client) NewSessionID(ctx context.Context) (string, error) {
	var out api.SessionIDResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]api.SessionItem, error) {
	query := url.Values{}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		query.Set("session_id", id)
	}
	if phase := strings.TrimSpace(opts.Phase); phase != "" {
		query.Set("phase", phase)
	}
	if opts.IncludeEnded {
		query.Set("include_ended", "true")
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out api.SessionsEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (api.SessionItem, error) {
	var out api.SessionEnvelope
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, nil, &out)
	return out.Session, err
}

func (c *Client) StartCalibration(ctx context.Context, sessionID string, req api.StartCalibrationRequest) (api.CalibrationResponse, error) {
	var out api.CalibrationResponse
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "calibration"), nil, req, &out)
	return out, err
}

func (c *Client) StartClassification(ctx context.Context, sessionID, modelRef string) (api.ClassificationResponse, error) {
	var out api.ClassificationResponse
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "classification"), nil, api.StartClassificationRequest{ModelRef: modelRef}, &out)
	return out, err
}

func (c *Client) Result(ctx context.Context, sessionID string) (api.ResultResponse, error) {
	var out api.ResultResponse
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "result"), nil, nil, &out)
	return out, err
}

func (c *Client) Training(ctx context.Context, sessionID string) (api.TrainingResponse, error) {
	var out api.TrainingResponse
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "training"), nil, nil, &out)
	return out, err
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (model.SessionSummary, error) {
	var out api.EndResponse
	err := c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil, &out)
	return out.Summary, err
}

func (c *Client) Protocols(ctx context.Context) ([]string, error) {
	var out api.ProtocolsEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/protocols", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Protocols, nil
}

func sessionPath(sessionID, sub string) string {
	p := "/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, dst any) error {
	payload, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
