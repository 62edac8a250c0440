package bull

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestTimeout = 10 * time.Second

// Request describes one signed call. Body is sent exactly as given.
type Request struct {
	Method      string
	Path        string
	ContentType string
	Header      map[string]string
	Body        string
}

// Code is the vendor's numeric result code. Some endpoints send it quoted.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*c = 0
		return nil
	}
	*c = Code(n)
	return nil
}

// Envelope is the vendor's JSON response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Result  json.RawMessage `json:"result"`
}

// Decode unmarshals the result payload, keeping numbers as json.Number.
func (e *Envelope) Decode(v any) error {
	if len(e.Result) == 0 {
		return fmt.Errorf("empty result")
	}
	dec := json.NewDecoder(bytes.NewReader(e.Result))
	dec.UseNumber()
	return dec.Decode(v)
}

// Client executes signed requests against the vendor API.
type Client struct {
	baseURL    string
	host       string
	secret     []byte
	httpClient *http.Client
	logger     *slog.Logger

	now   func() time.Time
	nonce func() string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock overrides the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithNonce overrides the per-request nonce generator.
func WithNonce(nonce func() string) Option {
	return func(c *Client) {
		c.nonce = nonce
	}
}

func NewClient(logger *slog.Logger, opts ...Option) *Client {
	return NewClientWithURL(DefaultBaseURL, logger, opts...)
}

func NewClientWithURL(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}

	c := &Client{
		baseURL:    baseURL,
		host:       host,
		secret:     appSecret,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		now:        time.Now,
		nonce:      newNonce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newNonce() string {
	return strings.ToUpper(uuid.NewString())
}

// Execute signs and sends req. Transport and decoding failures are returned as
// errors, as are the two session signals (invalid token, login required).
// Any other unsuccessful envelope is returned as a value for the caller to
// inspect.
func (c *Client) Execute(ctx context.Context, req Request) (*Envelope, error) {
	timestamp := FormatTimestamp(c.now())
	nonce := c.nonce()
	signature := Sign(c.secret, SignInput{
		Method:      req.Method,
		Path:        req.Path,
		ContentType: req.ContentType,
		Timestamp:   timestamp,
		Nonce:       nonce,
		Body:        req.Body,
	})

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range c.headers(req, timestamp, nonce, signature) {
		if k == "Host" {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("request failed", "path", req.Path, "error", err)
		return nil, connectionFailed(req.Path, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		c.logger.Error("reading response failed", "path", req.Path, "error", err)
		return nil, connectionFailed(req.Path, err)
	}

	c.logger.Debug("request", "path", req.Path, "status", resp.StatusCode, "body", string(body))

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("invalid JSON response", "path", req.Path, "body", string(body))
		return nil, invalidResponse(req.Path, err)
	}

	if !env.Success {
		if env.Error == errorInvalidToken {
			return nil, invalidToken(req.Path)
		}
		if env.Code == codeLoginRequired {
			return nil, loginRequired(req.Path)
		}
	}

	return &env, nil
}

// headers merges the fixed vendor headers with the per-call ones; per-call
// values win.
func (c *Client) headers(req Request, timestamp, nonce, signature string) map[string]string {
	h := map[string]string{
		"Host":                   c.host,
		"X-Ca-Key":               appKey,
		"X-App-Platform":         appPlatform,
		"X-Ca-Signaturemethod":   signatureMethod,
		"Content-Md5":            "",
		"X-App-Version":          appVersion,
		"X-Ca-Signature-Headers": signedHeaders,
		"Authorization":          basicAuth,
		"Accept-Language":        acceptLanguage,
		"Accept":                 "*/*",
		"Accept-Encoding":        "gzip",
		"Date":                   timestamp,
		"X-Ca-Nonce":             nonce,
		"X-Ca-Signature":         signature,
		"Content-Type":           req.ContentType,
	}
	for k, v := range req.Header {
		h[http.CanonicalHeaderKey(k)] = v
	}
	return h
}

// readBody inflates gzip bodies by hand because Accept-Encoding is set
// explicitly, which disables the transport's transparent decompression.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
