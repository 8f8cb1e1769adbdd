package mailer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/product"
)

type captured struct {
	auth string
	body map[string]any
}

func collaborator(t *testing.T, status int, reply string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if got != nil {
			got.auth = r.Header.Get("Authorization")
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(data, &got.body))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOrder() order.Order {
	return order.Order{ID: "o1", ExternalSessionID: "cs_1", ProductID: "p1", Quantity: 1}
}

func testProduct() product.Product {
	return product.Product{ID: "p1", Title: "Fox Hat", Files: []string{"fox.pdf", "fox-chart.pdf"}}
}

func TestDelivery_Success(t *testing.T) {
	var got captured
	srv := collaborator(t, http.StatusOK, `{"success":true}`, &got)

	d := NewDelivery(Config{DeliveryURL: srv.URL, Token: "secret", Timeout: time.Second})
	err := d.Deliver(context.Background(), testOrder(), testProduct(), "ada@example.com")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, "o1", got.body["orderId"])
	assert.Equal(t, "cs_1", got.body["sessionId"])
	assert.Equal(t, "ada@example.com", got.body["buyerEmail"])
	assert.Equal(t, "Fox Hat", got.body["productTitle"])
	assert.Equal(t, []any{"fox.pdf", "fox-chart.pdf"}, got.body["files"])
}

func TestDelivery_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reply     string
		permanent bool
		contains  string
	}{
		{name: "rejected", status: http.StatusOK, reply: `{"success":false,"error":"watermark failed"}`, contains: "watermark failed"},
		{name: "server error", status: http.StatusBadGateway, reply: `oops`, contains: "status 502"},
		{name: "throttled", status: http.StatusTooManyRequests, reply: `{"success":false,"error":"slow down"}`, contains: "slow down"},
		{name: "bad request", status: http.StatusBadRequest, reply: `{"success":false,"error":"no files"}`, permanent: true, contains: "no files"},
		{name: "garbage", status: http.StatusOK, reply: `<html>`, contains: "decode response"},
		{name: "empty", status: http.StatusOK, reply: ``, contains: "empty body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := collaborator(t, tt.status, tt.reply, nil)
			d := NewDelivery(Config{DeliveryURL: srv.URL, Timeout: time.Second})

			err := d.Deliver(context.Background(), testOrder(), testProduct(), "ada@example.com")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)

			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

func TestDelivery_NotConfigured(t *testing.T) {
	d := NewDelivery(Config{})
	require.NoError(t, d.Deliver(context.Background(), testOrder(), testProduct(), "ada@example.com"))
}

func TestNotifier_Payload(t *testing.T) {
	var got captured
	srv := collaborator(t, http.StatusOK, `{"success":true,"error":null}`, &got)

	name, email := "Ada", "ada@example.com"
	n := NewNotifier(Config{NotificationURL: srv.URL, Timeout: time.Second})
	err := n.NotifySeller(context.Background(), fanout.SellerNotification{
		SellerID:     "s1",
		SellerEmail:  "s1@example.com",
		ProductTitle: "Fox Hat, Owl Scarf",
		OrderID:      "o1",
		OrderIDs:     []string{"o1", "o2"},
		SaleAmount:   decimal.RequireFromString("16.5"),
		PlatformFee:  decimal.RequireFromString("3.83"),
		NetAmount:    decimal.RequireFromString("12.67"),
		Currency:     "usd",
		BuyerName:    &name,
		BuyerEmail:   &email,
	})
	require.NoError(t, err)

	assert.Equal(t, "s1@example.com", got.body["sellerEmail"])
	assert.Equal(t, "o1", got.body["orderId"])
	assert.Equal(t, []any{"o1", "o2"}, got.body["orderIds"])
	assert.Equal(t, "16.50", got.body["saleAmount"])
	assert.Equal(t, "3.83", got.body["platformFee"])
	assert.Equal(t, "12.67", got.body["netAmount"])
	assert.Equal(t, "Ada", got.body["buyerName"])
	assert.Equal(t, "ada@example.com", got.body["buyerEmail"])
}

func TestNotifier_OmitsOptionalBuyer(t *testing.T) {
	var got captured
	srv := collaborator(t, http.StatusOK, `{"success":true}`, &got)

	n := NewNotifier(Config{NotificationURL: srv.URL, Timeout: time.Second})
	require.NoError(t, n.NotifySeller(context.Background(), fanout.SellerNotification{SellerID: "s1"}))

	assert.NotContains(t, got.body, "buyerName")
	assert.NotContains(t, got.body, "buyerEmail")
}
