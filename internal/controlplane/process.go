package controlplane

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"
)

var startedAt = time.Now()

// ProcessInfo describes the daemon process
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpuPercent"`
	OpenFiles  int     `json:"openFiles"`
}

// ProcessHandler reports resource usage of the daemon
func ProcessHandler(c *gin.Context) {
	info := ProcessInfo{
		PID:        int32(os.Getpid()),
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcessWithContext(c.Request.Context(), info.PID)
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	if mem, err := proc.MemoryInfoWithContext(c.Request.Context()); err == nil {
		info.RSS = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(c.Request.Context()); err == nil {
		info.CPUPercent = cpu
	}
	if n, err := proc.NumFDsWithContext(c.Request.Context()); err == nil {
		info.OpenFiles = int(n)
	}

	c.PureJSON(http.StatusOK, info)
}
