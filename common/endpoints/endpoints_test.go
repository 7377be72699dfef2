package endpoints

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/common/stats"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestStatusServer(t *testing.T) {
	stat := stats.DefaultStatsReceiver()
	stat.Counter("fleet", "runsSubmitted").Inc(2)
	s := NewStatusServer("localhost:0", stat, func() interface{} {
		return map[string]string{"run1": "running"}
	})
	h := s.Handler()

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, h, "/admin/metrics.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "fleet/runsSubmitted")

	code, body = get(t, h, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"run1": "running"}`, body)

	code, _ = get(t, h, "/")
	assert.Equal(t, http.StatusNotImplemented, code)
	code, _ = get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNoStatus(t *testing.T) {
	code, _ := get(t, NewStatusServer("", stats.NilStatsReceiver(), nil).Handler(), "/status")
	assert.Equal(t, http.StatusNotFound, code)
}
