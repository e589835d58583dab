package health

import (
	"context"
	"sync/atomic"
	"time"
)

// ProbeManager extends Manager with Kubernetes-style probe support.
type ProbeManager struct {
	*Manager

	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool
	version     string
}

// NewProbeManager creates a new health check manager with probe support.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

// MarkInitialized lets the startup probe pass.
func (pm *ProbeManager) MarkInitialized() { pm.initialized.Store(true) }

// MarkShutdown makes readiness fail.
func (pm *ProbeManager) MarkShutdown() { pm.inShutdown.Store(true) }

// Uptime returns how long the application has been running.
func (pm *ProbeManager) Uptime() time.Duration { return time.Since(pm.startTime) }

// ProbeResult represents a probe check result.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckLiveness reports the process as alive; degraded while shutting
// down. Dependencies are not checked.
func (pm *ProbeManager) CheckLiveness(context.Context) *ProbeResult {
	if pm.inShutdown.Load() {
		return pm.result(StatusDegraded, nil)
	}
	return pm.result(StatusHealthy, nil)
}

// CheckReadiness runs every registered check. It fails immediately while
// shutting down.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.inShutdown.Load() {
		return pm.result(StatusUnhealthy, nil)
	}
	checks := pm.Check(ctx)
	return pm.result(pm.OverallStatus(checks), checks)
}

// CheckStartup passes once MarkInitialized was called.
func (pm *ProbeManager) CheckStartup(context.Context) *ProbeResult {
	if pm.initialized.Load() {
		return pm.result(StatusHealthy, nil)
	}
	return pm.result(StatusUnhealthy, nil)
}
