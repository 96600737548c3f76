package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch_trader/internal/core"
	"batch_trader/internal/logging"
	apperrors "batch_trader/pkg/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		APIPassword: "pw",
		MarketCodes: []int{9, 27},
		Timeout:     2 * time.Second,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_TokenObtainedOnce(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "pw", req.APIPassword)
		atomic.AddInt32(&tokenCalls, 1)
		writeJSON(w, 200, tokenResponse{Token: "tok-1"})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.Header.Get("X-API-KEY"))
		writeJSON(w, 200, []orderRow{})
	})

	c := newTestClient(t, mux)
	_, err := c.ListOrders(context.Background())
	require.NoError(t, err)
	_, err = c.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestClient_ReauthenticatesOn401(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&tokenCalls, 1)
		writeJSON(w, 200, tokenResponse{Token: map[int32]string{1: "stale", 2: "fresh"}[n]})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "fresh" {
			writeJSON(w, 401, apiErrorBody{Code: 4001001, Message: "unauthorized"})
			return
		}
		writeJSON(w, 200, []orderRow{{ID: "20260824A01", State: 1, OrderQty: 100}})
	})

	c := newTestClient(t, mux)
	orders, err := c.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "20260824A01", orders[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

func TestClient_SendEntryMarketFallback(t *testing.T) {
	var seenExchanges []int
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, tokenResponse{Token: "tok"})
	})
	mux.HandleFunc("/sendorder", func(w http.ResponseWriter, r *http.Request) {
		var req sendOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		seenExchanges = append(seenExchanges, req.Exchange)
		if req.Exchange == 9 {
			writeJSON(w, 400, apiErrorBody{Code: errCodeBadMarket, Message: "market not accepted"})
			return
		}
		writeJSON(w, 200, sendOrderResponse{Result: 0, OrderID: "ORD-1"})
	})

	c := newTestClient(t, mux)
	item := &core.BatchItem{
		Symbol: "9432", Product: core.ProductCash, Side: core.SideBuy,
		Qty: 100, EntryType: core.EntryMarket,
	}
	id, err := c.SendEntry(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", id)
	assert.Equal(t, []int{9, 27}, seenExchanges)
}

func TestClient_SendEntryRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, tokenResponse{Token: "tok"})
	})
	mux.HandleFunc("/sendorder", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, apiErrorBody{Code: 4001003, Message: "insufficient funds"})
	})

	c := newTestClient(t, mux)
	item := &core.BatchItem{
		Symbol: "9432", Product: core.ProductCash, Side: core.SideBuy,
		Qty: 100, EntryType: core.EntryMarket,
	}
	_, err := c.SendEntry(context.Background(), item)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBrokerRejected)
}

func TestClient_CancelOrder(t *testing.T) {
	var cancelled string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, tokenResponse{Token: "tok"})
	})
	mux.HandleFunc("/cancelorder", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var req cancelOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		cancelled = req.OrderID
		writeJSON(w, 200, map[string]int{"Result": 0})
	})

	c := newTestClient(t, mux)
	require.NoError(t, c.CancelOrder(context.Background(), "ORD-9"))
	assert.Equal(t, "ORD-9", cancelled)
}

func TestClient_ListPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, tokenResponse{Token: "tok"})
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []positionRow{
			{Symbol: "9433", Side: "1", LeavesQty: 200, HoldID: "E2026ABC"},
			{Symbol: "9434", Side: "2", LeavesQty: 0, HoldID: "E000"},      // flat, skipped
			{Symbol: "9435", Side: "2", LeavesQty: 100, ExecutionID: "E9"}, // hold id fallback
		})
	})

	c := newTestClient(t, mux)
	positions, err := c.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, core.SideSell, positions[0].Side)
	assert.Equal(t, "E2026ABC", positions[0].HoldID)
	assert.Equal(t, int64(200), positions[0].LeavesQty)
	assert.Equal(t, "E9", positions[1].HoldID)
}

func TestClient_SymbolName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, tokenResponse{Token: "tok"})
	})
	mux.HandleFunc("/symbol/9432", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.URL.Query().Get("Exchange"))
		writeJSON(w, 200, symbolResponse{Symbol: "9432", SymbolName: "NTT"})
	})

	c := newTestClient(t, mux)
	name, err := c.SymbolName(context.Background(), "9432", 9)
	require.NoError(t, err)
	assert.Equal(t, "NTT", name)
}
