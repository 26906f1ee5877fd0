package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexquant/tradebot/internal/crypto"
	"github.com/dexquant/tradebot/internal/domain"
)

func TestPlaceOrderSignsAndMapsFill(t *testing.T) {
	var gotAuth http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		gotAuth = r.Header.Clone()

		var payload orderPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ETH-USDC", payload.Pair)
		assert.Equal(t, "buy", payload.Side)

		json.NewEncoder(w).Encode(orderResponse{
			OrderID:    "ord-1",
			Success:    true,
			FillPrice:  payload.Price,
			FillSize:   payload.Size,
			MEVSavings: 0.75,
			FilledAt:   time.Now(),
		})
	}))
	defer srv.Close()

	auth := &crypto.HMACAuth{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"}
	gw := NewGateway("dexA", srv.URL, auth)

	res, err := gw.PlaceOrder(context.Background(), domain.OrderRequest{
		Venue: "dexA",
		Pair:  "ETH-USDC",
		Side:  domain.SideBuy,
		Price: 100.5,
		Size:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "dexA", res.Venue)
	assert.Equal(t, domain.SideBuy, res.Side)
	assert.Equal(t, 100.5, res.FillPrice)
	assert.Equal(t, 2.0, res.FillSize)
	assert.Equal(t, 0.75, res.MEVSavings)

	assert.Equal(t, "key", gotAuth.Get("X-API-KEY"))
	assert.Equal(t, "pass", gotAuth.Get("X-API-PASSPHRASE"))
	assert.NotEmpty(t, gotAuth.Get("X-API-TIMESTAMP"))
	assert.NotEmpty(t, gotAuth.Get("X-API-SIGNATURE"))
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponse{Success: false, ErrorMsg: "insufficient balance"})
	}))
	defer srv.Close()

	gw := NewGateway("dexA", srv.URL, nil)
	_, err := gw.PlaceOrder(context.Background(), domain.OrderRequest{Pair: "ETH-USDC", Side: domain.SideSell, Price: 100, Size: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestPlaceOrderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := NewGateway("dexA", srv.URL, nil)
	_, err := gw.PlaceOrder(context.Background(), domain.OrderRequest{Pair: "ETH-USDC", Side: domain.SideBuy, Price: 100, Size: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
}

func TestCancelOrdersTargetsPair(t *testing.T) {
	var method, path, pair string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		pair = r.URL.Query().Get("pair")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	gw := NewGateway("dexA", srv.URL, nil)
	require.NoError(t, gw.CancelOrders(context.Background(), "ETH-USDC"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/orders", path)
	assert.Equal(t, "ETH-USDC", pair)
}

func TestCancelOrdersRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error_msg": "unknown pair"})
	}))
	defer srv.Close()

	gw := NewGateway("dexA", srv.URL, nil)
	err := gw.CancelOrders(context.Background(), "XYZ-USDC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pair")
}

func TestCancelAllOrders(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	gw := NewGateway("dexA", srv.URL, nil)
	require.NoError(t, gw.CancelAllOrders(context.Background()))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/orders", path)
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"}

	h1 := auth.HeadersAt(http.MethodPost, "/orders", `{"pair":"ETH-USDC"}`, 1756100000)
	h2 := auth.HeadersAt(http.MethodPost, "/orders", `{"pair":"ETH-USDC"}`, 1756100000)
	assert.Equal(t, h1["X-API-SIGNATURE"], h2["X-API-SIGNATURE"])
	assert.Equal(t, "1756100000", h1["X-API-TIMESTAMP"])

	h3 := auth.HeadersAt(http.MethodPost, "/orders", `{"pair":"BTC-USDC"}`, 1756100000)
	assert.NotEqual(t, h1["X-API-SIGNATURE"], h3["X-API-SIGNATURE"])
}
