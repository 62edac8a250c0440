package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"bull-bridge/internal/domain"
)

const (
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"
	title         = "Bull Bridge"

	// Offline alerts bypass the user's quiet hours.
	priorityNormal = 0
	priorityHigh   = 1
)

// Client sends device availability alerts through Pushover.
type Client struct {
	token      string
	userKey    string
	apiURL     string
	httpClient *http.Client
}

func NewClient(token, userKey string) *Client {
	return NewClientWithURL(DefaultAPIURL, token, userKey)
}

func NewClientWithURL(apiURL, token, userKey string) *Client {
	return &Client{
		token:      token,
		userKey:    userKey,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

func (c *Client) Notify(ctx context.Context, alert domain.Alert) error {
	if c.token == "" || c.userKey == "" {
		return nil
	}

	priority := priorityNormal
	if !alert.Online {
		priority = priorityHigh
	}

	data := url.Values{}
	data.Set("token", c.token)
	data.Set("user", c.userKey)
	data.Set("title", title+": "+alert.Device)
	data.Set("message", alert.Message)
	data.Set("priority", strconv.Itoa(priority))
	data.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "sending notification").
			WithTextCode("pushover_unreachable")
	}
	defer resp.Body.Close()

	var result response
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		err = json.Unmarshal(body, &result)
	}
	decodeErr := ""
	if err != nil {
		decodeErr = err.Error()
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return goerrors.New("pushover quota exhausted", goerrors.CategoryRateLimit).
			WithCode(resp.StatusCode).
			WithTextCode("pushover_rate_limited")
	case resp.StatusCode != http.StatusOK || result.Status != 1:
		meta := map[string]any{
			"iot_id":  alert.IotID,
			"request": result.Request,
			"errors":  result.Errors,
		}
		if decodeErr != "" {
			meta["decode_error"] = decodeErr
		}
		return goerrors.New("pushover rejected alert: "+resp.Status, goerrors.CategoryExternal).
			WithCode(resp.StatusCode).
			WithTextCode("pushover_rejected").
			WithMetadata(meta)
	}

	return nil
}
