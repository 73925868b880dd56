package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoConverter(t *testing.T) {
	out, err := EchoConverter{}.Convert(context.Background(), ConversionRequest{Input: "abc", Format: "md"})
	require.NoError(t, err)
	assert.Equal(t, ConversionResult{Output: "abc", Format: "md"}, out)

	_, err = EchoConverter{}.Convert(context.Background(), ConversionRequest{Input: " "})
	assert.ErrorIs(t, err, errConversionInput)
}

func TestHTTPConverter(t *testing.T) {
	var got ConversionRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, ConversionResult{Output: "converted:" + got.Input, Format: "txt"})
	}))
	defer srv.Close()

	c := NewHTTPConverter(srv.URL, "upstream-key", time.Second)
	out, err := c.Convert(context.Background(), ConversionRequest{Input: "hello", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "converted:hello", out.Output)
	assert.Equal(t, "Bearer upstream-key", gotAuth)
	assert.Equal(t, "alice", got.UserID)
}

func TestHTTPConverterUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPConverter(srv.URL, "", time.Second).Convert(context.Background(), ConversionRequest{Input: "x"})
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, "model overloaded", upstream.Body)

	rec := httptest.NewRecorder()
	mapError(rec, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
