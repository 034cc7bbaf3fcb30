package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probe 执行一次 handler 调用，返回状态码与响应体
func probe(handler http.HandlerFunc) (int, string) {
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code, rec.Body.String()
}

func TestProbe(t *testing.T) {
	t.Run("存活探测始终返回 200", func(t *testing.T) {
		p := NewProbe()
		code, body := probe(p.LivenessHandler())
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, bodyAlive, body)

		p.SetShutdown(true)
		code, _ = probe(p.LivenessHandler())
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("就绪探测随状态迁移", func(t *testing.T) {
		p := NewProbe()

		code, body := probe(p.ReadinessHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, bodyStarting, body)

		p.SetReady(true)
		code, body = probe(p.ReadinessHandler())
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, bodyReady, body)

		// 排水状态优先于就绪状态
		p.SetShutdown(true)
		code, body = probe(p.ReadinessHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, bodyDraining, body)
	})
}

func TestServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", clog.Discard())
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start()) // 重复启动无副作用

	addr := srv.Addr()
	require.NotEmpty(t, addr)

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(data)
	}

	code, _ := get("/health")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, bodyStarting, body)

	srv.SetReady(true)
	code, body = get("/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, bodyReady, body)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
