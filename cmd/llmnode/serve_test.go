package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmnode/internal/config"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServeFlow(t *testing.T) {
	a, dir := newTestApp(t)
	cfg := config.Defaults()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.ModelsDir = dir
	cfg.DefaultModel = "tiny.gguf"
	cfg.Sessions.Dir = t.TempDir()
	cfg.Sampling.Temperature = 0
	cfg.Logging.Quiet = true
	base := "http://" + cfg.Addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- a.serve(ctx, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "server did not become healthy")

	code, body := get(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code, body)

	code, body = get(t, base+"/models")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "tiny.gguf")

	resp, err := http.Post(base+"/infer", "application/json", bytes.NewBufferString(`{"prompt":"Hello"}`))
	require.NoError(t, err)
	stream, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(stream), `"text":"sat"`)
	assert.Contains(t, string(stream), `"stop_reason":"eos"`)

	code, _ = get(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	resp, err = http.Post(base+"/infer", "application/json", bytes.NewBufferString(`{"model":"missing.gguf","prompt":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
