package signaling

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xwordcollab/backend/internal/v1/types"
)

// RegisterTestRoutes wires the dev-only routes of §6.5: storage snapshot,
// manual alarm trigger, simulated-time advancement, and reset. The caller
// must gate registration on config.Config.DevelopmentMode — these are
// never mounted in production.
func (b *Broker) RegisterTestRoutes(rg gin.IRoutes) {
	rg.GET("/__test__/snapshot", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", b.Snapshot())
	})
	rg.POST("/__test__/sweep", func(c *gin.Context) {
		b.Sweep(b.now())
		c.Status(http.StatusOK)
	})
	rg.POST("/__test__/advance-time", func(c *gin.Context) {
		var body struct {
			Seconds float64 `json:"seconds"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b.AdvanceTime(time.Duration(body.Seconds * float64(time.Second)))
		c.JSON(http.StatusOK, gin.H{"now": b.now()})
	})
	rg.POST("/__test__/reset", func(c *gin.Context) {
		b.mu.Lock()
		b.rooms = make(map[types.RoomIDType]*Room)
		b.mu.Unlock()
		atomic.StoreInt64(&b.timeOffsetNs, 0)
		c.Status(http.StatusOK)
	})
}
