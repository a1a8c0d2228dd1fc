package adapter

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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deltahedge/hedger/internal/signer"
)

const maxResponseBytes = 1 << 20

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	Exchange Exchange
	BaseURL  string
	Timeout  time.Duration

	// RateLimit is the sustained request rate per second; zero disables
	// throttling. Burst defaults to 1.
	RateLimit float64
	Burst     int

	// SignQuery passes query parameters of body-less requests to the
	// signer. Exchanges that sign only the body leave it false.
	SignQuery bool

	HTTPClient *http.Client
}

// Request describes one REST call. Query goes into the URL, Body is sent as
// compact JSON.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  map[string]any
	Body   map[string]any
	Signed bool
}

// RESTClient is the shared HTTP transport of the exchange adapters. It
// signs requests, throttles them and classifies failures into the Error
// taxonomy: transport failures are KindNetwork, non-2xx replies are
// KindExchange and signer failures are KindSigning.
type RESTClient struct {
	cfg     RESTConfig
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	signer signer.Signer
}

// NewRESTClient returns an unsigned client; see SetSigner.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &RESTClient{
		cfg:     cfg,
		http:    hc,
		limiter: limiter,
	}
}

// SetSigner installs the signer used for Signed requests. nil removes it.
func (c *RESTClient) SetSigner(s signer.Signer) {
	c.mu.Lock()
	c.signer = s
	c.mu.Unlock()
}

func (c *RESTClient) currentSigner() signer.Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signer
}

// Do executes req and decodes a successful JSON reply into out (if non-nil).
func (c *RESTClient) Do(ctx context.Context, req Request, out any) error {
	fail := func(kind ErrorKind, err error) error {
		return &Error{Kind: kind, Exchange: c.cfg.Exchange, Op: req.Op, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(KindNetwork, err)
		}
	}

	method := strings.ToUpper(req.Method)
	body, err := signer.CompactJSON(req.Body)
	if err != nil {
		return fail(KindValidation, err)
	}

	u := c.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		q := url.Values{}
		for k, v := range req.Query {
			q.Set(k, signer.FormatValue(v))
		}
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fail(KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if req.Signed {
		s := c.currentSigner()
		if s == nil {
			return fail(KindSigning, signer.ErrSecretMissing)
		}
		h, err := signer.Headers(s, method, req.Path, c.signedParams(req))
		if err != nil {
			return fail(KindSigning, err)
		}
		for k, vs := range h {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fail(KindNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(KindNetwork, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:     KindExchange,
			Exchange: c.cfg.Exchange,
			Op:       req.Op,
			Status:   resp.StatusCode,
			Err:      errors.New(errorMessage(raw, resp.Status)),
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fail(KindExchange, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return nil
}

// signedParams returns the parameter set the signer must see.
func (c *RESTClient) signedParams(req Request) map[string]any {
	if req.Body != nil {
		return req.Body
	}
	if c.cfg.SignQuery {
		return req.Query
	}
	return nil
}

// errorMessage extracts a human-readable message from a structured error
// body such as {"error": "..."} or {"message": "..."}.
func errorMessage(raw []byte, status string) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Msg     string          `json:"msg"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Error) > 0 && string(body.Error) != "null" {
			var s string
			if json.Unmarshal(body.Error, &s) == nil {
				return s
			}
			return string(body.Error)
		}
		if body.Message != "" {
			return body.Message
		}
		if body.Msg != "" {
			return body.Msg
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return status
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
