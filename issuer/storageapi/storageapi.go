// Package storageapi issues signed URLs through a hosted object-storage REST
// API (Supabase Storage and compatible gateways):
//
//	POST {base}/object/sign/{bucket}/{path}  {"expiresIn": n}              -> {"signedURL": "..."}
//	POST {base}/object/sign/{bucket}         {"expiresIn": n, "paths": []} -> [{"path","signedURL","error"}]
//
// Signed URLs returned relative to the API are resolved against base.
package storageapi

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/unkn0wn-root/urlcache/issuer"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string // e.g. https://project.supabase.co/storage/v1
	Bucket  string
	APIKey  string        // sent as bearer token and apikey header
	Timeout time.Duration // per request; 0 => 10s
	// HTTPClient overrides the transport (tests, custom dialers).
	HTTPClient *fasthttp.Client
}

type Client struct {
	base    string
	bucket  string
	apiKey  string
	timeout time.Duration
	hc      *fasthttp.Client
}

var _ issuer.BatchIssuer = (*Client)(nil)

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "storageapi: http " + strconv.Itoa(e.Code)
	}
	return "storageapi: http " + strconv.Itoa(e.Code) + ": " + e.Message
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Bucket == "" {
		return nil, errors.New("storageapi: base url and bucket are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "storageapi: base url")
	}
	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		bucket:  cfg.Bucket,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		hc:      cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.hc == nil {
		c.hc = &fasthttp.Client{
			ReadTimeout:  c.timeout,
			WriteTimeout: c.timeout,
		}
	}
	return c, nil
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type batchSignRequest struct {
	ExpiresIn int      `json:"expiresIn"`
	Paths     []string `json:"paths"`
}

type batchSignItem struct {
	Path      string  `json:"path"`
	SignedURL string  `json:"signedURL"`
	Error     *string `json:"error"`
}

func (c *Client) IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	body, err := sonic.Marshal(signRequest{ExpiresIn: seconds(ttl)})
	if err != nil {
		return "", errors.Wrap(err, "storageapi: encode request")
	}
	resp, err := c.post(ctx, "/object/sign/"+escapePath(c.bucket)+"/"+escapePath(key), body)
	if err != nil {
		return "", errors.WithMessagef(err, "sign %q", key)
	}
	signed := gjson.GetBytes(resp, "signedURL").String()
	if signed == "" {
		return "", errors.Errorf("storageapi: sign %q: response has no signedURL", key)
	}
	return c.resolve(signed), nil
}

// IssueURLs signs keys in one request. Paths the API reports an error for
// are left out of the result.
func (c *Client) IssueURLs(ctx context.Context, keys []string, ttl time.Duration) (map[string]string, error) {
	body, err := sonic.Marshal(batchSignRequest{ExpiresIn: seconds(ttl), Paths: keys})
	if err != nil {
		return nil, errors.Wrap(err, "storageapi: encode request")
	}
	resp, err := c.post(ctx, "/object/sign/"+escapePath(c.bucket), body)
	if err != nil {
		return nil, errors.WithMessagef(err, "batch sign %d keys", len(keys))
	}
	var items []batchSignItem
	if err := sonic.Unmarshal(resp, &items); err != nil {
		return nil, errors.Wrap(err, "storageapi: decode batch response")
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		if (it.Error != nil && *it.Error != "") || it.SignedURL == "" {
			continue
		}
		out[it.Path] = c.resolve(it.SignedURL)
	}
	return out, nil
}

// post runs the request off the caller's goroutine so ctx cancellation
// returns promptly; fasthttp itself only honours deadlines.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(c.base + path)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType("application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("apikey", c.apiKey)
		}
		req.SetBody(body)

		if err := c.hc.DoTimeout(req, resp, timeout); err != nil {
			ch <- result{err: errors.Wrap(err, "storageapi: request")}
			return
		}
		b := append([]byte(nil), resp.Body()...)
		if code := resp.StatusCode(); code != fasthttp.StatusOK {
			msg := gjson.GetBytes(b, "message").String()
			if msg == "" {
				msg = gjson.GetBytes(b, "error").String()
			}
			ch <- result{err: &StatusError{Code: code, Message: msg}}
			return
		}
		ch <- result{body: b}
	}()

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolve(signed string) string {
	if strings.HasPrefix(signed, "http://") || strings.HasPrefix(signed, "https://") {
		return signed
	}
	if !strings.HasPrefix(signed, "/") {
		signed = "/" + signed
	}
	return c.base + signed
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func seconds(ttl time.Duration) int {
	s := int(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
