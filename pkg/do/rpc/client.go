// Package rpc implements do.Service against a remote agent over its REST API.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/pkg/do"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	maxErrorBody        = 64 * 1024
)

// Client talks to the agent's /v1 API. Status subscriptions are served by
// polling.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	token        string
	pollInterval time.Duration
}

type Option func(*Client)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default instrumented client. The token, if any,
// is layered on top of its transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if c.token != "" {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}

		hc := *c.httpClient
		hc.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}),
			Base:   base,
		}
		c.httpClient = &hc
	}

	return c
}

func (c *Client) Create(ctx context.Context, uri, localPath string) (string, error) {
	var resp CreateResponse

	err := c.do(ctx, "create", http.MethodPost, "/v1/downloads", CreateRequest{URI: uri, LocalPath: localPath}, &resp)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

func (c *Client) SetProperty(ctx context.Context, id string, p do.Property, v do.PropertyValue) error {
	wire, err := EncodeValue(v)
	if err != nil {
		return err
	}

	return c.do(ctx, "set_property", http.MethodPut, propertyPath(id, p), wire, nil)
}

func (c *Client) GetProperty(ctx context.Context, id string, p do.Property) (do.PropertyValue, error) {
	var wire Value

	if err := c.do(ctx, "get_property", http.MethodGet, propertyPath(id, p), nil, &wire); err != nil {
		return do.PropertyValue{}, err
	}

	return DecodeValue(wire)
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.action(ctx, id, "start")
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.action(ctx, id, "pause")
}

func (c *Client) Finalize(ctx context.Context, id string) error {
	return c.action(ctx, id, "finalize")
}

func (c *Client) Abort(ctx context.Context, id string) error {
	return c.action(ctx, id, "abort")
}

func (c *Client) Status(ctx context.Context, id string) (do.Status, error) {
	var resp StatusResponse

	if err := c.do(ctx, "get_status", http.MethodGet, downloadPath(id)+"/status", nil, &resp); err != nil {
		return do.Status{}, err
	}

	return resp.Status()
}

// Subscribe polls the status of id and forwards every change. The channel is
// closed when ctx ends or the agent no longer knows the download.
func (c *Client) Subscribe(ctx context.Context, id string) (<-chan do.Status, error) {
	last, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan do.Status, 1)
	ch <- last

	go func() {
		defer close(ch)

		logger := logctx.LoggerFromContext(ctx)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s, err := c.Status(ctx, id)
			if err != nil {
				if do.CodeOf(err) == do.ErrNotFound || ctx.Err() != nil {
					return
				}

				logger.DebugContext(ctx, "failed to poll download status", "download_id", id, "err", err)

				continue
			}

			if s == last {
				continue
			}

			last = s

			// Latest wins; this goroutine is the only sender.
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
				default:
				}

				ch <- s
			}
		}
	}()

	return ch, nil
}

// List returns the agent's download journal.
func (c *Client) List(ctx context.Context) ([]Record, error) {
	var records []Record

	if err := c.do(ctx, "list", http.MethodGet, "/v1/downloads", nil, &records); err != nil {
		return nil, err
	}

	return records, nil
}

func (c *Client) action(ctx context.Context, id, name string) error {
	return c.do(ctx, name, http.MethodPost, downloadPath(id)+"/"+name, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return do.NewError(op, do.ErrInvalidArg, fmt.Errorf("failed to encode request: %w", err))
		}

		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return do.NewError(op, do.ErrInvalidArg, err)
	}

	req.Header.Set("Accept", "application/json")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		code := do.ErrFail
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = do.ErrAborted
		}

		return do.NewError(op, code, &NetworkError{Operation: op, Message: err.Error(), Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(op, resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return do.NewError(op, do.ErrUnexpected, &NetworkError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		})
	}

	return nil
}

// decodeError restores the agent's classification from an ErrorResponse.
func decodeError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return do.NewError(op, do.ErrAborted, &AuthenticationError{
			Operation: op,
			Err:       fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b))),
		})
	}

	var apiErr ErrorResponse
	if err := json.Unmarshal(b, &apiErr); err != nil || apiErr.Code == 0 {
		return do.NewError(op, do.ErrFail, &NetworkError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		})
	}

	return do.NewError(op, do.Errc(apiErr.Code), &RemoteError{
		Operation:  op,
		StatusCode: resp.StatusCode,
		Message:    apiErr.Message,
	})
}

func downloadPath(id string) string {
	return "/v1/downloads/" + url.PathEscape(id)
}

func propertyPath(id string, p do.Property) string {
	name := p.String()
	if !p.Valid() {
		// The agent answers unknown names with ErrUnknownPropertyID.
		name = fmt.Sprintf("%d", int(p))
	}

	return downloadPath(id) + "/properties/" + url.PathEscape(name)
}

var _ do.Service = (*Client)(nil)
