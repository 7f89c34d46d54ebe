// Package client sends a batch of commands to a remote access endpoint and
// reads the processed batch back.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nuetzliches/remoteaccess/internal/command"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
	"github.com/nuetzliches/remoteaccess/internal/keys"
)

// MarkerField is the form field that identifies a remote access call.
const MarkerField = envelope.Tag

const (
	DefaultTimeout = 10 * time.Second

	maxReplyBytes = 16 << 20
)

var (
	ErrConfig = errors.New("call is not configured")
	ErrNoKey  = fmt.Errorf("%w: no key set, cannot sign the call", ErrConfig)
	ErrNoURL  = fmt.Errorf("%w: no url set, cannot send the call anywhere", ErrConfig)

	ErrTransport       = errors.New("call transport failed")
	ErrNoReply         = errors.New("no reply found")
	ErrMalformedReply  = errors.New("reply incorrectly formed")
	ErrUnreadableReply = errors.New("unable to read reply, problem after decryption")
)

// Call is one request: the commands, the shared key, and where to send them.
// ListID is only needed when Key belongs to a list.
type Call struct {
	Commands *command.Batch
	Key      string
	ListID   int64
	URL      string
}

func NewCall(url, key string, listID int64) *Call {
	return &Call{Commands: command.NewBatch(), Key: key, ListID: listID, URL: url}
}

// Add queues c and returns the id it can be looked up by after Execute.
func (c *Call) Add(cmd *command.Command) string {
	if c.Commands == nil {
		c.Commands = command.NewBatch()
	}
	return c.Commands.Add(cmd)
}

type Client struct {
	HTTP    *http.Client
	Codec   envelope.Codec
	Timeout time.Duration
	Logger  *slog.Logger

	insecure bool
	tracing  bool
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithInsecureSkipVerify controls certificate verification of the default
// transport. Verification is skipped unless this is set to false.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Client) { c.insecure = skip }
}

// WithHTTPClient replaces the default client. Timeout and TLS options no
// longer apply to the transport, only to the request context.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

func WithScheme(s envelope.Scheme) Option {
	return func(c *Client) { c.Codec = envelope.NewCodec(s) }
}

// WithTracing wraps the transport with OpenTelemetry instrumentation.
func WithTracing(enabled bool) Option {
	return func(c *Client) { c.tracing = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.Logger = l
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		Codec:    envelope.NewCodec(envelope.SchemeCompat),
		Timeout:  DefaultTimeout,
		Logger:   slog.Default(),
		insecure: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.HTTP == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: c.insecure} //nolint:gosec // legacy peers use self-signed certificates
		c.HTTP = &http.Client{Transport: tr}
	}
	if c.tracing {
		base := c.HTTP.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *c.HTTP
		wrapped.Transport = otelhttp.NewTransport(base)
		c.HTTP = &wrapped
	}
	return c
}

// Execute sends call and, on success, replaces call.Commands with the batch
// the server returned. On any error call.Commands is left as it was.
func (c *Client) Execute(ctx context.Context, call *Call) error {
	if call == nil || call.Key == "" {
		return ErrNoKey
	}
	if strings.TrimSpace(call.URL) == "" {
		return ErrNoURL
	}
	if call.Commands == nil {
		call.Commands = command.NewBatch()
	}

	var invalid error
	call.Commands.Each(func(id string, cmd *command.Command) {
		if invalid == nil {
			if err := cmd.Validate(); err != nil {
				invalid = fmt.Errorf("%w: command %s: %v", ErrConfig, id, err)
			}
		}
	})
	if invalid != nil {
		return invalid
	}
	ciphertext, err := c.Codec.Encode(call.Commands, call.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	form := url.Values{}
	form.Set("commands", ciphertext)
	form.Set("key", keys.Fingerprint(call.Key))
	if call.ListID > 0 {
		form.Set("list_id", strconv.FormatInt(call.ListID, 10))
	} else {
		form.Set("list_id", "")
	}
	form.Set(MarkerField, "1")

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	started := time.Now()
	body, status, err := c.post(ctx, call.URL, form)
	logger := c.logger().With(
		slog.String("channel", "remote_access"),
		slog.String("url", call.URL),
		slog.Int("commands", call.Commands.Len()),
	)
	if err != nil {
		logger.Warn("remote_access_call_failed", slog.Any("err", err))
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	reply, err := c.readReply(body, call.Key)
	if err != nil {
		logger.Warn("remote_access_call_failed", slog.Int("status", status), slog.Any("err", err))
		return err
	}
	call.Commands.Replace(reply)
	logger.Debug("remote_access_call",
		slog.Int("status", status),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}

func (c *Client) post(ctx context.Context, target string, form url.Values) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

// readReply turns a response body into a batch. The HTTP status is not
// consulted: a reply is whatever sits between the tags.
func (c *Client) readReply(body, rawKey string) (*command.Batch, error) {
	fragment, err := envelope.Unwrap(body)
	if err != nil {
		return nil, ErrNoReply
	}
	outer, err := envelope.ParseOuter(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	batch, err := c.Codec.Decode(outer.Commands, rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableReply, err)
	}
	return batch, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
