package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentedTransport(t *testing.T) {
	t.Run("passes the response through untouched", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		client := &http.Client{Transport: NewInstrumentedTransport(nil)}
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, string(body))
	})

	t.Run("error responses still return the body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		client := &http.Client{Transport: NewInstrumentedTransport(nil)}
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("transport errors are propagated", func(t *testing.T) {
		client := &http.Client{Transport: NewInstrumentedTransport(nil)}
		_, err := client.Get("http://127.0.0.1:1")
		require.Error(t, err)
	})
}
