package puzzle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	resp *http.Response
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, source, date string) (*http.Response, error) {
	return f.resp, f.err
}

func newTestContext(body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/puzzle", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, rec
}

func TestHandler_RejectsUnknownSource(t *testing.T) {
	h := NewHandler("nyt,wapo", &fakeFetcher{})
	c, rec := newTestContext(`{"source":"evil","date":"2026-07-29"}`)
	h.ServeDownload(c)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_RejectsMissingFields(t *testing.T) {
	h := NewHandler("nyt", &fakeFetcher{})
	c, rec := newTestContext(`{"source":"nyt"}`)
	h.ServeDownload(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ReturnsUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("puzzle-bytes"))
	}))
	defer upstream.Close()

	// whitelist must contain the exact source string used in the request.
	h := NewHandler(upstream.URL, &HTTPFetcher{})
	c, rec := newTestContext(`{"source":"` + upstream.URL + `","date":"2026-07-29"}`)
	h.ServeDownload(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "puzzle-bytes", rec.Body.String())
}

func TestHandler_UpstreamErrorMapsToBadGateway(t *testing.T) {
	h := NewHandler("nyt", &fakeFetcher{err: errors.New("dial tcp: refused")})
	c, rec := newTestContext(`{"source":"nyt","date":"2026-07-29"}`)
	h.ServeDownload(c)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_UpstreamTimeoutMapsToGatewayTimeout(t *testing.T) {
	h := NewHandler("nyt", &fakeFetcher{err: context.DeadlineExceeded})
	c, rec := newTestContext(`{"source":"nyt","date":"2026-07-29"}`)
	h.ServeDownload(c)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
