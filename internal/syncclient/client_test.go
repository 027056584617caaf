package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"example.com/retailstack/pos-agent/internal/models"

	"github.com/stretchr/testify/require"
)

func samplePayload() models.DeliveryPayload {
	return models.DeliveryPayload{
		ReceiptID: "1001",
		PrinterID: "epson",
		Items:     []models.LineItem{{Name: "Item A", Quantity: 2, UnitPrice: 500, Total: 1000}},
		Total:     1000,
		Timestamp: time.Now(),
	}
}

func fastClient(baseURL, apiKey string) *HTTPClient {
	return NewHTTPClient(baseURL, apiKey, WithRetryDelay(time.Millisecond))
}

func TestDeliverSuccess(t *testing.T) {
	var gotAuth, gotAgent string
	var gotPayload models.DeliveryPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		require.Equal(t, "/api/transactions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res := fastClient(srv.URL, "secret").Deliver(context.Background(), samplePayload())

	require.True(t, res.Delivered)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "RetailStack-POS-Agent/1.0", gotAgent)
	require.Equal(t, "1001", gotPayload.ReceiptID)
}

func TestDeliverPermanentNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res := fastClient(srv.URL, "").Deliver(context.Background(), samplePayload())

	require.False(t, res.Delivered)
	require.True(t, res.Permanent)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDeliverTransientRetriedToExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := fastClient(srv.URL, "").Deliver(context.Background(), samplePayload())

	require.False(t, res.Delivered)
	require.False(t, res.Permanent)
	require.Equal(t, int32(defaultMaxAttempts), atomic.LoadInt32(&calls))
}

func TestDeliverRecoversMidRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := fastClient(srv.URL, "").Deliver(context.Background(), samplePayload())

	require.True(t, res.Delivered)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDeliverRetryableStatusCodes(t *testing.T) {
	// Only a rejected payload or bad credentials end retrying.
	require.True(t, classify(http.StatusBadRequest).Permanent)
	require.True(t, classify(http.StatusUnauthorized).Permanent)

	// Every other non-2xx stays transient so the queue never loses
	// delivery eligibility over a proxy hiccup or endpoint migration.
	for _, status := range []int{
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
	} {
		res := classify(status)
		require.False(t, res.Permanent, "status %d", status)
		require.False(t, res.Delivered, "status %d", status)
	}
}

func TestDeliverContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewHTTPClient(srv.URL, "", WithRetryDelay(time.Minute))
	cancel()

	start := time.Now()
	res := c.Deliver(ctx, samplePayload())
	require.False(t, res.Delivered)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDeliverBatchContinuesPastRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.DeliveryPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		if p.ReceiptID == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	good := samplePayload()
	bad := samplePayload()
	bad.ReceiptID = "bad"

	batch := fastClient(srv.URL, "").DeliverBatch(context.Background(), []models.DeliveryPayload{good, bad, good})

	require.Equal(t, 2, batch.Delivered)
	require.Equal(t, 1, batch.Failed)
	require.True(t, batch.Results[1].Permanent)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.True(t, fastClient(srv.URL, "").Healthy(context.Background()))
	require.False(t, fastClient("http://127.0.0.1:1", "").Healthy(context.Background()))
}

func TestBackoffDelayIsLinear(t *testing.T) {
	b := Backoff{Base: 2 * time.Second}
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 6*time.Second, b.Delay(3))
	// Zero base falls back to the default rather than spinning.
	require.Equal(t, defaultRetryDelay, Backoff{}.Delay(1))
}

func TestStub(t *testing.T) {
	s := &Stub{}
	res := s.Deliver(context.Background(), samplePayload())
	require.True(t, res.Delivered)
	require.Len(t, s.Calls, 1)

	s.FailWith = &Result{StatusCode: http.StatusBadGateway}
	res = s.Deliver(context.Background(), samplePayload())
	require.False(t, res.Delivered)
	require.False(t, s.Healthy(context.Background()))
}
