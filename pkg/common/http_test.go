package common

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	// Setup test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify User-Agent header
		userAgent := r.Header.Get("User-Agent")
		assert.Equal(t, "Yutampo/"+Version(), userAgent, "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "abc", Path: "/"})
			http.Redirect(w, r, "/next", http.StatusFound)
		case "/next":
			c, err := r.Cookie("SESSION")
			if assert.NoError(t, err) {
				assert.Equal(t, "abc", c.Value)
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := SessionClient(time.Second, jar)

	resp, err := client.Get(server.URL + "/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode, "redirects must not be followed")
	assert.Equal(t, "/next", resp.Header.Get("Location"))

	resp, err = client.Get(server.URL + "/next")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "cookie should have been kept in the jar")
}
