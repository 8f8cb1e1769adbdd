// Package mailer calls the delivery and seller-notification services over
// HTTP. Both accept a JSON request and answer {"success":bool,"error":string}.
package mailer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds collaborator endpoints. An empty URL disables the call and
// the request is only logged.
type Config struct {
	DeliveryURL     string        `default:"" usage:"Delivery service endpoint" flag:"delivery-url"`
	NotificationURL string        `default:"" usage:"Seller notification endpoint" flag:"notification-url"`
	Token           string        `default:"" usage:"Bearer token for collaborator calls"`
	Timeout         time.Duration `default:"10s" usage:"Collaborator request timeout"`
}

// maxResponse caps how much of a collaborator response is read.
const maxResponse = 64 << 10

type client struct {
	http  *http.Client
	token string
}

func newClient(cfg Config) *client {
	return &client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token: cfg.Token,
	}
}

// post sends body and decodes the collaborator's verdict. Client errors are
// permanent, everything else may be retried.
func (c *client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	res, decodeErr := decodeResult(data)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.Errorf("status %d: %s", resp.StatusCode, res.message())
	case resp.StatusCode >= 400:
		return backoff.Permanent(errors.Errorf("status %d: %s", resp.StatusCode, res.message()))
	case decodeErr != nil:
		return errors.Wrap(decodeErr, "decode response")
	case !res.Success:
		return errors.Errorf("rejected: %s", res.message())
	}
	return nil
}

type result struct {
	Success bool
	Error   string
}

func (r result) message() string {
	if r.Error == "" {
		return "no error message"
	}
	return r.Error
}

func decodeResult(data []byte) (result, error) {
	var r result
	if len(bytes.TrimSpace(data)) == 0 {
		return r, errors.New("empty body")
	}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "success":
			v, err := d.Bool()
			r.Success = v
			return err
		case "error":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			r.Error = v
			return err
		default:
			return d.Skip()
		}
	})
	return r, err
}
