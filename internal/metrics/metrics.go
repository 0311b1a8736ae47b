package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Metrics holds the controller counters. The 100 Hz loop and the router bump
// these instead of logging on the hot path.
type Metrics struct {
	// Router metrics
	FramesReceived   int64 `json:"frames_received"`
	FramesDropped    int64 `json:"frames_dropped"`
	DroppedBadMagic  int64 `json:"dropped_bad_magic"`
	DroppedBadCRC    int64 `json:"dropped_bad_crc"`
	DroppedBadLength int64 `json:"dropped_bad_length"`
	DroppedUnknown   int64 `json:"dropped_unknown_pgn"`
	StatusFramesSent int64 `json:"status_frames_sent"`
	SendFailures     int64 `json:"send_failures"`

	// Control loop metrics
	LoopTicks    int64 `json:"loop_ticks"`
	LoopOverruns int64 `json:"loop_overruns"`
	Engages      int64 `json:"engages"`
	Kickouts     int64 `json:"kickouts"`

	// Motor metrics
	DriverTxFailures int64 `json:"driver_tx_failures"`
	HeartbeatLosses  int64 `json:"heartbeat_losses"`

	// Settings metrics
	ConfigFrames   int64 `json:"config_frames"`
	SettingsFrames int64 `json:"settings_frames"`
	ClampedValues  int64 `json:"clamped_values"`

	// System metrics
	Uptime         int64  `json:"uptime_seconds"`
	MemoryUsed     uint64 `json:"memory_used_bytes"`
	GoroutineCount int    `json:"goroutine_count"`

	mu        sync.RWMutex
	startTime time.Time
}

// New creates a Metrics
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) bump(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *Metrics) IncFramesReceived()   { m.bump(&m.FramesReceived) }
func (m *Metrics) IncStatusFramesSent() { m.bump(&m.StatusFramesSent) }
func (m *Metrics) IncSendFailures()     { m.bump(&m.SendFailures) }
func (m *Metrics) IncLoopTicks()        { m.bump(&m.LoopTicks) }
func (m *Metrics) IncLoopOverruns()     { m.bump(&m.LoopOverruns) }
func (m *Metrics) IncEngages()          { m.bump(&m.Engages) }
func (m *Metrics) IncKickouts()         { m.bump(&m.Kickouts) }
func (m *Metrics) IncDriverTxFailures() { m.bump(&m.DriverTxFailures) }
func (m *Metrics) IncHeartbeatLosses()  { m.bump(&m.HeartbeatLosses) }
func (m *Metrics) IncConfigFrames()     { m.bump(&m.ConfigFrames) }
func (m *Metrics) IncSettingsFrames()   { m.bump(&m.SettingsFrames) }
func (m *Metrics) IncClampedValues()    { m.bump(&m.ClampedValues) }

// DropReason classifies a dropped frame
type DropReason int

const (
	DropBadMagic DropReason = iota
	DropBadCRC
	DropBadLength
	DropUnknownPGN
)

// IncDropped counts a dropped frame by reason
func (m *Metrics) IncDropped(reason DropReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FramesDropped++
	switch reason {
	case DropBadMagic:
		m.DroppedBadMagic++
	case DropBadCRC:
		m.DroppedBadCRC++
	case DropBadLength:
		m.DroppedBadLength++
	case DropUnknownPGN:
		m.DroppedUnknown++
	}
}

// UpdateSystemMetrics refreshes the process-level gauges
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.GoroutineCount = runtime.NumGoroutine()
}

// Snapshot returns the counters as a map
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"router": map[string]interface{}{
			"received":           m.FramesReceived,
			"dropped":            m.FramesDropped,
			"dropped_bad_magic":  m.DroppedBadMagic,
			"dropped_bad_crc":    m.DroppedBadCRC,
			"dropped_bad_length": m.DroppedBadLength,
			"dropped_unknown":    m.DroppedUnknown,
			"status_sent":        m.StatusFramesSent,
			"send_failures":      m.SendFailures,
		},
		"loop": map[string]interface{}{
			"ticks":    m.LoopTicks,
			"overruns": m.LoopOverruns,
			"engages":  m.Engages,
			"kickouts": m.Kickouts,
		},
		"motor": map[string]interface{}{
			"tx_failures":      m.DriverTxFailures,
			"heartbeat_losses": m.HeartbeatLosses,
		},
		"settings": map[string]interface{}{
			"config_frames":   m.ConfigFrames,
			"settings_frames": m.SettingsFrames,
			"clamped_values":  m.ClampedValues,
		},
		"system": map[string]interface{}{
			"uptime_seconds":    m.Uptime,
			"memory_used_bytes": m.MemoryUsed,
			"goroutines":        m.GoroutineCount,
		},
	}
}

// PrometheusFormat renders the counters as Prometheus text
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP agsteer_frames_received_total Total PGN frames received
# TYPE agsteer_frames_received_total counter
agsteer_frames_received_total ` + formatInt64(m.FramesReceived) + `

# HELP agsteer_frames_dropped_total Total PGN frames dropped
# TYPE agsteer_frames_dropped_total counter
agsteer_frames_dropped_total ` + formatInt64(m.FramesDropped) + `

# HELP agsteer_status_frames_sent_total Total status frames sent
# TYPE agsteer_status_frames_sent_total counter
agsteer_status_frames_sent_total ` + formatInt64(m.StatusFramesSent) + `

# HELP agsteer_loop_ticks_total Control loop ticks
# TYPE agsteer_loop_ticks_total counter
agsteer_loop_ticks_total ` + formatInt64(m.LoopTicks) + `

# HELP agsteer_loop_overruns_total Control loop deadline overruns
# TYPE agsteer_loop_overruns_total counter
agsteer_loop_overruns_total ` + formatInt64(m.LoopOverruns) + `

# HELP agsteer_kickouts_total Kickout events
# TYPE agsteer_kickouts_total counter
agsteer_kickouts_total ` + formatInt64(m.Kickouts) + `

# HELP agsteer_driver_tx_failures_total Motor driver transmit failures
# TYPE agsteer_driver_tx_failures_total counter
agsteer_driver_tx_failures_total ` + formatInt64(m.DriverTxFailures) + `

# HELP agsteer_heartbeat_losses_total CAN motor heartbeat losses
# TYPE agsteer_heartbeat_losses_total counter
agsteer_heartbeat_losses_total ` + formatInt64(m.HeartbeatLosses) + `

# HELP agsteer_uptime_seconds Uptime in seconds
# TYPE agsteer_uptime_seconds gauge
agsteer_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP agsteer_memory_used_bytes Memory used in bytes
# TYPE agsteer_memory_used_bytes gauge
agsteer_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP agsteer_goroutines Number of goroutines
# TYPE agsteer_goroutines gauge
agsteer_goroutines ` + formatInt(m.GoroutineCount) + `
`
}

// Helper functions
func formatInt64(n int64) string {
	return fmt.Sprintf("%d", n)
}

func formatUint64(n uint64) string {
	return fmt.Sprintf("%d", n)
}

func formatInt(n int) string {
	return fmt.Sprintf("%d", n)
}
