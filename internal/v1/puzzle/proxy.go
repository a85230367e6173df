// Package puzzle implements the puzzle download proxy HTTP contract of
// §6.4. Actual .puz/.ipuz/.jpz parsing is explicitly out of scope (§1); this
// package only enforces the source whitelist and the upstream fetch
// timeout, returning whatever bytes the upstream source serves.
package puzzle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"go.uber.org/zap"
)

// FetchTimeout is the hard upstream cap of §5 ("Upstream puzzle fetch: 10s
// hard cap").
const FetchTimeout = 10 * time.Second

// Request is the decoded body of §6.4's POST /puzzle.
type Request struct {
	Source string `json:"source" binding:"required"`
	Date   string `json:"date" binding:"required"`
}

// Fetcher performs the actual upstream HTTP GET. Abstracted so tests can
// substitute a fake without a real network call.
type Fetcher interface {
	Fetch(ctx context.Context, source, date string) (*http.Response, error)
}

// HTTPFetcher is the production Fetcher, building a source-specific URL and
// issuing a plain GET. The URL-building scheme itself is a thin stub: real
// per-source URL templates are outside this core's scope (§1 non-goal list
// explicitly excludes ".puz/.ipuz/.jpz" parsing, and by extension the
// source-specific download formats).
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch issues GET {source}/{date}. It sets no timeout of its own: the cap
// comes from ctx (ServeDownload applies FetchTimeout) and from f.Client.
func (f *HTTPFetcher) Fetch(ctx context.Context, source, date string) (*http.Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(source, "/"), date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// Handler serves POST /puzzle (§6.4).
type Handler struct {
	whitelist map[string]struct{}
	fetcher   Fetcher
}

// NewHandler builds a Handler restricted to the comma-separated whitelist
// string from config.Config.PuzzleSourceWhitelist.
func NewHandler(whitelistCSV string, fetcher Fetcher) *Handler {
	wl := make(map[string]struct{})
	for _, s := range strings.Split(whitelistCSV, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			wl[s] = struct{}{}
		}
	}
	return &Handler{whitelist: wl, fetcher: fetcher}
}

// ServeDownload handles POST /puzzle: binary payload on 200, JSON error on
// 4xx/5xx, upstream timeout mapped to 504 (§6.4).
func (h *Handler) ServeDownload(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and date are required"})
		return
	}

	if _, ok := h.whitelist[req.Source]; !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "source not permitted"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), FetchTimeout)
	defer cancel()

	resp, err := h.fetcher.Fetch(ctx, req.Source, req.Date)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream fetch timed out"})
			return
		}
		logging.Error(ctx, "puzzle proxy fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream fetch failed"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.JSON(resp.StatusCode, gin.H{"error": "upstream returned an error"})
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed reading upstream response"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, body)
}
