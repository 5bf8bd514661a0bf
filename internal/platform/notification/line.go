package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/visionpath/screening/internal/platform/dispatch"
)

const defaultLINEBaseURL = "https://api.line.me"

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type lineError struct {
	Message string `json:"message"`
}

// LINEChannel pushes text messages through the LINE Messaging API.
type LINEChannel struct {
	httpClient *resty.Client
}

// NewLINEChannel creates a LINE channel. An empty baseURL uses the public API.
func NewLINEChannel(baseURL, accessToken string, timeout time.Duration) *LINEChannel {
	if baseURL == "" {
		baseURL = defaultLINEBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &LINEChannel{httpClient: client}
}

func (c *LINEChannel) Name() string { return "line" }

// Deliver pushes msg to a LINE user id. 4xx responses other than 429 are
// rejections of this message and are not retried.
func (c *LINEChannel) Deliver(ctx context.Context, to string, msg Message) (string, error) {
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n" + msg.Body
	}

	var apiErr lineError
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(linePush{To: to, Messages: []lineMessage{{Type: "text", Text: text}}}).
		SetError(&apiErr).
		Post("/v2/bot/message/push")
	if err != nil {
		return "", fmt.Errorf("line push: %w", err)
	}

	if resp.IsError() {
		err := fmt.Errorf("line push: status %d: %s", resp.StatusCode(), apiErr.Message)
		if resp.StatusCode() < http.StatusInternalServerError && resp.StatusCode() != http.StatusTooManyRequests {
			return "", dispatch.Permanent(err)
		}
		return "", err
	}
	return resp.Header().Get("X-Line-Request-Id"), nil
}
