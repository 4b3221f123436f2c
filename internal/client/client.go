// Package client is a typed HTTP client for the order API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx response from the order API.
type APIError struct {
	StatusCode int
	Body       httpx.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order api: %d %s: %s", e.StatusCode, e.Body.Code, e.Body.Message)
}

type Client struct {
	r *resty.Client
}

func New(baseURL string) *Client {
	return &Client{r: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		// Only retry when the server never answered; checkouts are not
		// safe to resend without an idempotency key.
		AddRetryCondition(func(res *resty.Response, err error) bool {
			return err != nil && res != nil && res.Request != nil && res.Request.Method == http.MethodGet
		})}
}

func (c *Client) CreateOrder(ctx context.Context, req httpx.CreateOrderReq) (httpx.OrderResp, error) {
	var out httpx.OrderResp
	r := c.r.R().SetContext(ctx).SetBody(req)
	if req.IdempotencyKey != "" {
		r.SetHeader(httpx.HeaderIdempotencyKey, req.IdempotencyKey)
	}
	return out, do(r.SetResult(&out), http.MethodPost, "/orders")
}

func (c *Client) Transition(ctx context.Context, orderID, status, note string) (httpx.OrderResp, error) {
	var out httpx.OrderResp
	r := c.r.R().SetContext(ctx).
		SetPathParam("id", orderID).
		SetBody(httpx.TransitionReq{Status: status, Note: note}).
		SetResult(&out)
	return out, do(r, http.MethodPost, "/orders/{id}/transition")
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (httpx.OrderResp, error) {
	var out httpx.OrderResp
	r := c.r.R().SetContext(ctx).SetPathParam("id", orderID).SetResult(&out)
	return out, do(r, http.MethodGet, "/orders/{id}")
}

func (c *Client) History(ctx context.Context, orderID string) ([]orders.HistoryEntry, error) {
	var out []orders.HistoryEntry
	r := c.r.R().SetContext(ctx).SetPathParam("id", orderID).SetResult(&out)
	return out, do(r, http.MethodGet, "/orders/{id}/history")
}

func do(r *resty.Request, method, path string) error {
	var apiErr httpx.ErrorResp
	res, err := r.SetError(&apiErr).Execute(method, path)
	if err != nil {
		return err
	}
	if res.IsError() {
		return &APIError{StatusCode: res.StatusCode(), Body: apiErr.Error}
	}
	return nil
}
