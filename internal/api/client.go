package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	userAgent    = "SIMPEL-Desktop/1.0"
	maxBodyBytes = 4 << 20
)

type Options struct {
	BaseURL  string
	Timeout  time.Duration
	AppType  string // sent as X-Application-Type and JenisAplikasi
	Username string
	Password string
}

// Client talks to the borrowing backend. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	mu       sync.Mutex
	token    string
	expires  time.Time
	identity *Identity
}

func New(opts Options, log *logrus.Entry) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.AppType == "" {
		opts.AppType = "Desktop"
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Client{
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// Username is the configured login name, or "" when running anonymously.
func (c *Client) Username() string {
	return c.opts.Username
}

// do sends one JSON request. body may be nil. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !strings.HasPrefix(path, "/auth/") {
		if err := c.ensureToken(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Application-Type", c.opts.AppType)
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("API request failed: reading body: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"elapsed": c.now().Sub(start).Round(time.Millisecond),
	}).Debug("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// errorMessage prefers the JSON "message" field, then the raw text, then the status text.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// envelope is the common {success, message, data} wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// unwrap validates the envelope and returns its data. A 2xx body with
// success=false becomes an *Error carrying the server's message.
func (e *envelope) unwrap() (json.RawMessage, error) {
	if e.Success == nil {
		return nil, fmt.Errorf("%w: missing success flag", ErrMalformedResponse)
	}
	if !*e.Success {
		msg := e.Message
		if msg == "" {
			msg = "request was rejected"
		}
		return nil, &Error{Status: http.StatusOK, Message: msg}
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	return e.Data, nil
}
