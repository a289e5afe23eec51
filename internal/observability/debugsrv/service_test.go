package debugsrv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "ajnotify/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesStatusAndHealth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]any{"receiver_state": "producer_direct"} }, logx.Nop())
	h := s.handler(Config{})

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var doc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "producer_direct", doc["receiver_state"])

	assert.Equal(t, http.StatusNotFound, get(t, h, pprofPrefix, nil).Code, "pprof is off")
	assert.Equal(t, http.StatusOK, get(t, s.handler(Config{Pprof: true}), pprofPrefix, nil).Code)
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()
	h := New(Config{}, nil, logx.Nop()).handler(Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=nope", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.2:80":    false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, checkBind("0.0.0.0:1", Config{}), errInsecureBind)
	assert.NoError(t, checkBind("0.0.0.0:1", Config{Token: "t"}))
	assert.NoError(t, checkBind("0.0.0.0:1", Config{AllowInsecure: true}))
	assert.NoError(t, checkBind("127.0.0.1:1", Config{}))
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() any { return "up" }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `"up"`, string(body))

	stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}
