package login

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := NewClient(Options{AppBase: base + "/", Username: "456456", Password: "pässword"}, nil)
	require.NoError(t, err)
	return c
}

func TestLogin_Success(t *testing.T) {
	srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "456456", r.PostForm.Get("username"))
		pw, err := base64.StdEncoding.DecodeString(r.PostForm.Get("password"))
		assert.NoError(t, err)
		assert.Equal(t, "pässword", string(pw))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":1,"token":"tok-1","area":["Lobby","Hall",3]}`))
	})

	session, err := newClient(t, srv.URL).Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.Token)
	assert.Equal(t, []string{"Lobby", "Hall", "3"}, session.Areas)
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"redirect to html login", http.StatusFound, "<html>", "unexpected status (HTTP 302, Location=/login-page)"},
		{"server error", http.StatusInternalServerError, "boom", "unexpected status (HTTP 500"},
		{"non json", http.StatusOK, "<html>login</html>", "non-JSON response"},
		{"rejected", http.StatusOK, `{"status":0,"message":"bad password"}`, "rejected"},
		{"no token", http.StatusOK, `{"status":1}`, "no token in response"},
		{"string status", http.StatusOK, `{"status":"1","token":"tok"}`, "rejected"},
		{"missing status", http.StatusOK, `{"token":"tok"}`, "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/login-page")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := newClient(t, srv.URL).Login(context.Background())
			require.Error(t, err)

			var le *LoginError
			require.True(t, errors.As(err, &le))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoginError_BodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(long))
	})

	_, err := newClient(t, srv.URL).Login(context.Background())

	var le *LoginError
	require.True(t, errors.As(err, &le))
	assert.Len(t, le.Body, bodyHead)
	assert.Equal(t, http.StatusForbidden, le.Status)
}

func TestToken_CachesUntilRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = w.Write([]byte(`{"status":1,"token":"tok-` + string(rune('0'+n)) + `"}`))
	})
	c := newClient(t, srv.URL)

	s1, err := c.Token(context.Background(), false)
	require.NoError(t, err)
	s2, err := c.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s1.Token)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), calls.Load())

	s3, err := c.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", s3.Token)
}

func TestAuthHeaders(t *testing.T) {
	srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":1,"token":"abc"}`))
	})

	h, err := newClient(t, srv.URL).AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Accept"))
	assert.Equal(t, "XMLHttpRequest", h.Get("X-Requested-With"))
}

func TestLogin_TrustsCAFile(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":1,"token":"tls"}`))
	}))
	defer srv.Close()

	// Without the CA the self-signed certificate is rejected.
	_, err := newClient(t, srv.URL).Login(context.Background())
	require.Error(t, err)

	caFile := filepath.Join(t.TempDir(), "app.crt")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemBytes, 0600))

	c, err := NewClient(Options{AppBase: srv.URL, Username: "u", Password: "p", CAFile: caFile}, nil)
	require.NoError(t, err)
	session, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tls", session.Token)
}

func TestTLSConfig_BadCAFile(t *testing.T) {
	_, err := TLSConfig(filepath.Join(t.TempDir(), "missing.crt"), false)
	assert.ErrorContains(t, err, "failed to read CA file")

	empty := filepath.Join(t.TempDir(), "empty.crt")
	require.NoError(t, os.WriteFile(empty, []byte("not a cert"), 0600))
	_, err = TLSConfig(empty, false)
	assert.ErrorContains(t, err, "no certificates found")
}

func TestStatusOK(t *testing.T) {
	assert.True(t, statusOK(json.RawMessage(`1`)))
	assert.True(t, statusOK(json.RawMessage(`1.0`)))
	assert.False(t, statusOK(json.RawMessage(`"1"`)))
	assert.False(t, statusOK(json.RawMessage(`0`)))
	assert.False(t, statusOK(json.RawMessage(`true`)))
	assert.False(t, statusOK(nil))
}

func TestLogin_FloatStatus(t *testing.T) {
	srv := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":1.0,"token":"tok-f"}`))
	})

	session, err := newClient(t, srv.URL).Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-f", session.Token)
}
