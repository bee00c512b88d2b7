package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/deritrader/internal/rpcerr"
)

// Client 交易所 REST 接口（JSON-RPC over HTTP GET）
type Client struct {
	client *resty.Client
}

// Options 客户端参数，零值使用默认
type Options struct {
	Timeout    time.Duration
	RetryCount int
	ProxyURL   string
}

func NewClient(baseURL string, opts Options) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}

	// resty 默认从 HTTP_PROXY / HTTPS_PROXY 读取代理
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "deritrader").
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时按 Retry-After 等待
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == 429 || resp.StatusCode() >= 500
		})
	if opts.ProxyURL != "" {
		client.SetProxy(opts.ProxyURL)
	}
	return &Client{client: client}
}

type envelope struct {
	Result json.RawMessage  `json:"result"`
	Error  *rpcerr.RPCError `json:"error"`
}

// Call 以 GET /<method>?params 调用 public 方法，把 result 解码进 out
func (c *Client) Call(ctx context.Context, method string, params map[string]any, out any) error {
	r := c.client.R().SetContext(ctx)
	if len(params) > 0 {
		r.SetQueryParamsFromValues(toValues(params))
	}
	resp, err := r.Get("/" + strings.TrimPrefix(method, "/"))
	if err != nil {
		return errors.Wrapf(err, "GET %s", method)
	}

	var env envelope
	if jerr := json.Unmarshal(resp.Body(), &env); jerr != nil {
		if !resp.IsSuccess() {
			return ParseHTTPError(resp)
		}
		return errors.Wrapf(jerr, "decode %s", method)
	}
	if env.Error != nil {
		return errors.WithMessage(env.Error, method)
	}
	if !resp.IsSuccess() {
		return ParseHTTPError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

// ParseHTTPError 把非 2xx 响应转成错误
func ParseHTTPError(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return errors.Errorf("http %d: %s", resp.StatusCode(), body)
}
