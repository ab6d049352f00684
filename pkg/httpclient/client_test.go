package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestClient_PostForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"abc"}`)
	}))
	defer server.Close()

	client := NewClientWith(server.Client(), testLogger())
	resp, err := client.PostForm(context.Background(), server.URL, url.Values{"grant_type": {"refresh_token"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "abc", body.AccessToken)
	assert.Equal(t, "application/json", resp.Header("content-type"))
}

func TestClient_NonSuccessIsNotTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer server.Close()

	client := NewClientWith(server.Client(), testLogger())
	resp, err := client.Get(context.Background(), server.URL+"/contacts?token=secret", nil)
	require.NoError(t, err)
	assert.False(t, IsSuccessStatus(resp.StatusCode))
	assert.True(t, IsRetryableStatus(resp.StatusCode))

	statusErr := NewStatusError(http.MethodGet, "/contacts", resp)
	wrapped := errors.Join(errors.New("sync failed"), statusErr)
	assert.Equal(t, http.StatusBadGateway, StatusCodeOf(wrapped))
	assert.Contains(t, statusErr.Error(), "upstream down")
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClientWith(http.DefaultClient, testLogger())
	_, err := client.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, 0, StatusCodeOf(err))
}
