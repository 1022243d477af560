package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/nofearsk/rtspserver/internal/supervisor"
	"github.com/nofearsk/rtspserver/pkg/duration"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"gorm.io/gorm"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	sup       *supervisor.Supervisor
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithSupervisor sets the stream supervisor for health checks.
func (h *HealthHandler) WithSupervisor(sup *supervisor.Supervisor) *HealthHandler {
	h.sup = sup
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Description: "Returns ok while the process is able to serve requests",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns ready once the database is reachable",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.checkDatabase(ctx)

	supHealth := SupervisorHealth{Status: "not_configured"}
	if h.sup != nil {
		supHealth = SupervisorHealth{Status: "ok", RunningFeeds: h.sup.RunningCount()}
	}

	status := "healthy"
	if dbHealth.Status == "error" {
		status = "degraded"
	}

	return &HealthOutput{Body: HealthResponse{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        duration.Format(uptime.Round(time.Second)),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       collectCPU(),
		Memory:        collectMemory(),
		Components:    HealthComponents{Database: dbHealth, Supervisor: supHealth},
		Checks:        map[string]string{"database": dbHealth.Status},
	}}, nil
}

// GetLivez reports process liveness. It never touches external resources so
// a wedged database cannot make an orchestrator restart a healthy process.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	resp := &LivezOutput{}
	resp.Body.Status = "ok"
	return resp, nil
}

// GetReadyz reports whether the service is ready to accept traffic.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	resp := &ReadyzOutput{}
	resp.Body.Components = map[string]string{}

	ready := true

	if h.db == nil {
		resp.Body.Components["database"] = "not_configured"
		ready = false
	} else if sqlDB, err := h.db.DB(); err != nil {
		resp.Body.Components["database"] = "error"
		ready = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		resp.Body.Components["database"] = "error"
		ready = false
	} else {
		resp.Body.Components["database"] = "ok"
	}

	if h.sup != nil {
		resp.Body.Components["supervisor"] = "ok"
	} else {
		resp.Body.Components["supervisor"] = "not_configured"
	}

	if ready {
		resp.Body.Status = "ready"
	} else {
		resp.Body.Status = "not_ready"
	}
	return resp, nil
}

func mb(b uint64) float64 {
	return float64(b) / (1 << 20)
}

// collectCPU reads host load averages. A load of 1.0 per core reads as
// 100 percent.
func collectCPU() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.Avg()
	if err != nil || avg == nil {
		return info
	}
	info.Load1Min = avg.Load1
	info.Load5Min = avg.Load5
	info.Load15Min = avg.Load15
	if info.Cores > 0 {
		info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
	}
	return info
}

func collectMemory() MemoryInfo {
	var info MemoryInfo

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = mb(vm.Total)
		info.UsedMemoryMB = mb(vm.Used)
		info.FreeMemoryMB = mb(vm.Free)
		info.AvailableMemoryMB = mb(vm.Available)
	}
	if swap, err := mem.SwapMemory(); err == nil && swap != nil {
		info.SwapTotalMB = mb(swap.Total)
		info.SwapUsedMB = mb(swap.Used)
	}
	info.ProcessMemory = collectProcessTree(info.TotalMemoryMB)
	return info
}

// collectProcessTree sums this process and its children. Transcoders run
// as child processes, so the tree total is the service's real footprint.
func collectProcessTree(totalSystemMB float64) ProcessMemoryInfo {
	var info ProcessMemoryInfo

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	if main, err := proc.MemoryInfo(); err == nil && main != nil {
		info.MainProcessMB = mb(main.RSS)
		if totalSystemMB > 0 {
			info.PercentageOfSystem = info.MainProcessMB / totalSystemMB * 100
		}
	}

	children, err := proc.Children()
	if err != nil {
		info.TotalProcessTreeMB = info.MainProcessMB
		return info
	}
	info.ChildProcessCount = len(children)
	for _, child := range children {
		if cm, err := child.MemoryInfo(); err == nil && cm != nil {
			info.ChildProcessesMB += mb(cm.RSS)
		}
	}
	info.TotalProcessTreeMB = info.MainProcessMB + info.ChildProcessesMB
	return info
}

// slowPingMS flags catalog pings that take long enough to suggest pool
// saturation.
const slowPingMS = 100

// checkDatabase pings the catalog and reports pool pressure.
func (h *HealthHandler) checkDatabase(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "unknown", ResponseTimeStatus: "healthy"}
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		return DatabaseHealth{Status: "error", ResponseTimeStatus: "error"}
	}

	stats := sqlDB.Stats()
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
		ConnectionPoolSize: stats.MaxOpenConnections,
		ActiveConnections:  stats.InUse,
		IdleConnections:    stats.Idle,
	}
	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	pingErr := sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	switch {
	case pingErr != nil:
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	case health.ResponseTimeMS > slowPingMS:
		health.ResponseTimeStatus = "slow"
	}
	return health
}
