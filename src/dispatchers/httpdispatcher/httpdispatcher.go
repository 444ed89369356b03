// Package httpdispatcher posts parsed points as a JSON array to an HTTP
// destination.
package httpdispatcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/valyala/fasthttp"
)

type Config struct {
	Method      string            `json:"method" default:"POST" validate:"oneof=POST PUT PATCH"`
	Headers     map[string]string `json:"headers" validate:"omitempty,dive"`
	ColumnMap   map[string]string `json:"column_map"`
	Timeout     time.Duration     `json:"timeout" default:"10s" validate:"required"`
	MaxAttempts int               `json:"max_attempts" default:"5" validate:"min=1"`
}

type HTTPDispatcher struct {
	config *Config
	url    string
	auth   string
	client *fasthttp.Client
	log    *slog.Logger
}

// New builds the dispatcher from a destination row. The URI column is the
// endpoint; user and decrypted password, when set, become basic auth.
func New(dest *models.ClientDestination, password string) (dispatchers.Dispatcher, error) {
	opts, err := encdec.DecodeJSONMap(dest.OptionsJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid destination options: %w", err)
	}
	cfg, err := dispatchers.ParseConfig[Config](opts)
	if err != nil {
		return nil, err
	}

	url := dest.URI
	if url == "" {
		return nil, fmt.Errorf("http destination requires a uri")
	}

	auth := ""
	if dest.Username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(dest.Username+":"+password))
	}

	client := &fasthttp.Client{
		ReadTimeout:              cfg.Timeout,
		WriteTimeout:             cfg.Timeout,
		NoDefaultUserAgentHeader: true,
		Dial: (&fasthttp.TCPDialer{
			Concurrency: 4096,
		}).Dial,
	}

	return &HTTPDispatcher{
		config: cfg,
		url:    url,
		auth:   auth,
		client: client,
		log:    slog.Default().With("context", "HTTP"),
	}, nil
}

func (d *HTTPDispatcher) Asynchronous() bool { return false }

func (d *HTTPDispatcher) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, points []models.Point) (*dispatchers.Result, error) {
	rows, err := dispatchers.Prepare(points, d.config.ColumnMap)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}
	body, err := encdec.EncodeJSON(&rows)
	if err != nil {
		return dispatchers.Failed(fmt.Sprintf("encoding body: %v", err)), nil
	}

	method := strings.ToUpper(d.config.Method)
	d.log.Debug("publishing", "method", method, "url", d.url, "bodysize", len(body))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	for k, v := range d.config.Headers {
		req.Header.Set(k, v)
	}
	if d.auth != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, d.auth)
	}
	req.SetRequestURI(d.url)
	req.SetBody(body)

	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	if err := d.client.DoTimeout(req, res, d.config.Timeout); err != nil {
		return dispatchers.Retrying(fmt.Sprintf("request failed: %v", err)), nil
	}

	status := res.StatusCode()
	snippet := dispatchers.Snippet(string(res.Body()))
	result := &dispatchers.Result{
		Status:          classifyStatus(status),
		HTTPStatus:      status,
		ResponseSnippet: snippet,
	}
	if result.Sent() {
		d.log.Debug("published", "status", status, "points", len(points))
	}
	return result, nil
}

// classifyStatus maps a response code to the dispatch outcome: 2xx sent,
// 408/429/5xx transient, remaining 4xx permanent.
func classifyStatus(status int) models.DispatchStatus {
	switch {
	case status >= 200 && status < 300:
		return models.DispatchStatusSent
	case status == fasthttp.StatusRequestTimeout,
		status == fasthttp.StatusTooManyRequests,
		status >= 500:
		return models.DispatchStatusRetrying
	default:
		return models.DispatchStatusFailed
	}
}
