package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(Config{BaseURL: url, Token: "secret", Timeout: 5 * time.Second}, testLogger())
}

func TestRequestSendsBearerToken(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	raw, err := c.Request(context.Background(), http.MethodGet, "/payments/1", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(raw))
	require.Equal(t, "Bearer secret", gotAuth)
}

func TestRequestParsesProblemDocument(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"title":  "Validation failed",
			"detail": "One or more fields are invalid",
			"problems": []map[string]string{
				{"name": "Payer.Msisdn", "description": "invalid format"},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Request(context.Background(), http.MethodPost, "/payments", map[string]string{"x": "y"})

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusBadRequest, provErr.Status)
	require.Equal(t, "Validation failed", provErr.Title)
	require.Len(t, provErr.Problems, 1)
	require.Equal(t, "The phone number format is invalid for the selected payment method.", provErr.UserMessage())
}

func TestRequestNonJSONErrorBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream timeout"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/payments/1", nil)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusBadGateway, provErr.Status)
	require.Equal(t, "Bad Gateway", provErr.Title)
	require.Equal(t, "upstream timeout", provErr.Detail)
}

func TestRequestConnectionFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // shut down before the call

	c := newTestClient(srv.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/payments/1", nil)

	var transport *TransportError
	require.ErrorAs(t, err, &transport)
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  ProviderError
		want string
	}{
		{
			name: "street address problem",
			err: ProviderError{
				Problems: []Problem{{Name: "Payer.ShippingAddress.StreetAddress", Description: "too long"}},
			},
			want: "The street address is too long for the payment provider (max 40 characters).",
		},
		{
			name: "generic problems joined",
			err: ProviderError{
				Problems: []Problem{
					{Name: "Amount", Description: "exceeds remaining"},
					{Name: "Currency", Description: "not supported"},
				},
			},
			want: "Amount: exceeds remaining; Currency: not supported",
		},
		{
			name: "detail fallback",
			err:  ProviderError{Title: "Conflict", Detail: "capture already in progress"},
			want: "capture already in progress",
		},
		{
			name: "title fallback",
			err:  ProviderError{Title: "Forbidden"},
			want: "Forbidden",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.err.UserMessage())
		})
	}
}

func TestFetchPaymentOrderEnvelopes(t *testing.T) {
	t.Parallel()

	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"paymentOrder":{"id":"/psp/paymentorders/po-1","status":"Ready","amount":10000,"remainingCaptureAmount":4000}}`))
	}))
	defer wrapped.Close()

	po, err := FetchPaymentOrder(context.Background(), newTestClient(wrapped.URL), "/psp/paymentorders/po-1")
	require.NoError(t, err)
	require.Equal(t, "/psp/paymentorders/po-1", po.ID)
	require.False(t, po.FullyCaptured())
	require.Equal(t, int64(4000), *po.RemainingCaptureAmount)

	unwrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"/psp/paymentorders/po-1","status":"Ready","amount":10000}`))
	}))
	defer unwrapped.Close()

	po, err = FetchPaymentOrder(context.Background(), newTestClient(unwrapped.URL), "/psp/paymentorders/po-1")
	require.NoError(t, err)
	require.True(t, po.FullyCaptured())
	require.True(t, po.FullyReversed())
}

func TestSnapshotCacheFetchesOnce(t *testing.T) {
	t.Parallel()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"paymentOrder":{"id":"/psp/paymentorders/po-1","status":"Ready","amount":10000}}`))
	}))
	defer srv.Close()

	cache := NewSnapshotCache(newTestClient(srv.URL))
	for i := 0; i < 3; i++ {
		po, err := cache.Get(context.Background(), "/psp/paymentorders/po-1")
		require.NoError(t, err)
		require.Equal(t, "/psp/paymentorders/po-1", po.ID)
	}
	require.Equal(t, 1, hits)
}
