package market

import (
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ManagerConfig tunes the multi-symbol candle orchestration layer.
type ManagerConfig struct {
	MonitoringEnabled  bool          `json:"monitoring_enabled"`
	MonitoringInterval time.Duration `json:"monitoring_interval"`
	// MemoryBudgetMB is the soft budget used for the memory-percent metric.
	MemoryBudgetMB float64 `json:"memory_budget_mb"`
}

// DefaultManagerConfig returns safe defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MonitoringEnabled:  true,
		MonitoringInterval: 30 * time.Second,
		MemoryBudgetMB:     512,
	}
}

// SymbolConfig records the tracked timeframes for one symbol.
type SymbolConfig struct {
	Symbol     string      `json:"symbol"`
	Timeframes []Timeframe `json:"timeframes"`
	AddedAt    time.Time   `json:"added_at"`
}

// ResourceMetrics is one monitoring sample.
type ResourceMetrics struct {
	CPUPct           float64   `json:"cpu_pct"`
	MemoryPct        float64   `json:"memory_pct"`
	MemoryMB         float64   `json:"memory_mb"`
	ProcessMemoryMB  float64   `json:"process_memory_mb"`
	CandleStorageMB  float64   `json:"candle_storage_mb"`
	TotalCandles     int       `json:"total_candles"`
	ActiveSymbols    int       `json:"active_symbols"`
	ActiveTimeframes int       `json:"active_timeframes"`
	Timestamp        time.Time `json:"timestamp"`
}

// CandleDataManager orchestrates per-symbol/timeframe membership over the
// store and processor and runs the periodic resource monitor.
type CandleDataManager struct {
	mu        sync.RWMutex
	symbols   map[string]*SymbolConfig
	store     *CandleStore
	processor *RealtimeCandleProcessor
	config    *ManagerConfig
	logger    zerolog.Logger
	startedAt time.Time

	latestMetrics *ResourceMetrics
	lastCPUSample cpuSample

	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

type cpuSample struct {
	procTime time.Duration
	wallTime time.Time
}

// NewCandleDataManager wires the manager to its store and processor.
func NewCandleDataManager(config *ManagerConfig, store *CandleStore, processor *RealtimeCandleProcessor, logger zerolog.Logger) *CandleDataManager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.MonitoringInterval <= 0 {
		config.MonitoringInterval = 30 * time.Second
	}
	return &CandleDataManager{
		symbols:   make(map[string]*SymbolConfig),
		store:     store,
		processor: processor,
		config:    config,
		logger:    logger.With().Str("component", "CandleDataManager").Logger(),
		startedAt: time.Now(),
	}
}

// AddSymbol registers a symbol with the given timeframes. replace swaps the
// timeframe set; otherwise new timeframes merge into the existing ones.
// Symbols are case-insensitive and stored upper-cased.
func (m *CandleDataManager) AddSymbol(symbol string, tfs []Timeframe, replace bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, exists := m.symbols[symbol]
	if !exists {
		cfg = &SymbolConfig{Symbol: symbol, AddedAt: time.Now()}
		m.symbols[symbol] = cfg
	}

	if replace || !exists {
		cfg.Timeframes = dedupeTimeframes(tfs)
	} else {
		cfg.Timeframes = dedupeTimeframes(append(cfg.Timeframes, tfs...))
	}
	SortTimeframes(cfg.Timeframes)

	m.logger.Info().
		Str("symbol", symbol).
		Int("timeframes", len(cfg.Timeframes)).
		Bool("replace", replace).
		Msg("Symbol registered")
}

func dedupeTimeframes(tfs []Timeframe) []Timeframe {
	seen := make(map[Timeframe]bool, len(tfs))
	out := make([]Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		if tf.IsValid() && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	return out
}

// RemoveSymbol unregisters a symbol or a subset of its timeframes. An empty
// timeframe list removes the symbol entirely. clearData also purges stored
// candles and stream state. Returns whether anything was removed.
func (m *CandleDataManager) RemoveSymbol(symbol string, tfs []Timeframe, clearData bool) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	m.mu.Lock()
	cfg, exists := m.symbols[symbol]
	if !exists {
		m.mu.Unlock()
		return false
	}

	var removedTFs []Timeframe
	if len(tfs) == 0 {
		removedTFs = cfg.Timeframes
		delete(m.symbols, symbol)
	} else {
		drop := make(map[Timeframe]bool, len(tfs))
		for _, tf := range tfs {
			drop[tf] = true
		}
		kept := cfg.Timeframes[:0]
		for _, tf := range cfg.Timeframes {
			if drop[tf] {
				removedTFs = append(removedTFs, tf)
			} else {
				kept = append(kept, tf)
			}
		}
		cfg.Timeframes = kept
	}
	m.mu.Unlock()

	if clearData {
		for _, tf := range removedTFs {
			m.store.Clear(symbol, tf)
			if m.processor != nil {
				m.processor.ClearStream(symbol, tf)
			}
		}
	}

	return len(removedTFs) > 0
}

// GetSymbols returns the registered symbols, sorted.
func (m *CandleDataManager) GetSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetTimeframes returns a symbol's timeframes sorted by duration.
func (m *CandleDataManager) GetTimeframes(symbol string) []Timeframe {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.symbols[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	out := make([]Timeframe, len(cfg.Timeframes))
	copy(out, cfg.Timeframes)
	return out
}

// GetSymbolConfig returns a copy of a symbol's registration.
func (m *CandleDataManager) GetSymbolConfig(symbol string) (SymbolConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.symbols[strings.ToUpper(symbol)]
	if !ok {
		return SymbolConfig{}, false
	}
	out := *cfg
	out.Timeframes = append([]Timeframe(nil), cfg.Timeframes...)
	return out, true
}

// GetCandles passes through to the store.
func (m *CandleDataManager) GetCandles(symbol string, tf Timeframe, limit int) []Candle {
	return m.store.GetCandles(strings.ToUpper(symbol), tf, limit)
}

// GetLatestCandle passes through to the store.
func (m *CandleDataManager) GetLatestCandle(symbol string, tf Timeframe) (Candle, bool) {
	return m.store.GetLatest(strings.ToUpper(symbol), tf)
}

// GetDashboardState aggregates the full observable state of the pipeline.
func (m *CandleDataManager) GetDashboardState() map[string]interface{} {
	m.mu.RLock()
	symbols := make(map[string][]Timeframe, len(m.symbols))
	for s, cfg := range m.symbols {
		symbols[s] = append([]Timeframe(nil), cfg.Timeframes...)
	}
	metrics := m.latestMetrics
	startedAt := m.startedAt
	m.mu.RUnlock()

	state := map[string]interface{}{
		"symbols":        symbols,
		"storage":        m.store.Stats(),
		"uptime_seconds": time.Since(startedAt).Seconds(),
	}
	if m.processor != nil {
		state["processor"] = m.processor.Stats()
	}
	if metrics != nil {
		state["metrics"] = *metrics
	}
	return state
}

// GetMemoryUsageSummary reports per-symbol, per-timeframe candle counts and
// estimated megabytes.
func (m *CandleDataManager) GetMemoryUsageSummary() map[string]map[string]map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]map[string]float64, len(m.symbols))
	for symbol, cfg := range m.symbols {
		perTF := make(map[string]map[string]float64, len(cfg.Timeframes))
		for _, tf := range cfg.Timeframes {
			count := m.store.GetCandleCount(symbol, tf)
			perTF[string(tf)] = map[string]float64{
				"candles":   float64(count),
				"memory_mb": float64(count*estimatedBytesPerCandle) / (1024 * 1024),
			}
		}
		out[symbol] = perTF
	}
	return out
}

// OptimizeMemory forces a garbage-collection pass and reports freed bytes.
// Aggressive mode also returns freed pages to the OS.
func (m *CandleDataManager) OptimizeMemory(aggressive bool) uint64 {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	runtime.GC()
	if aggressive {
		debug.FreeOSMemory()
	}

	runtime.ReadMemStats(&after)
	var freed uint64
	if before.HeapAlloc > after.HeapAlloc {
		freed = before.HeapAlloc - after.HeapAlloc
	}
	m.logger.Info().
		Uint64("freed_bytes", freed).
		Bool("aggressive", aggressive).
		Msg("Memory optimization completed")
	return freed
}

// Start launches the periodic resource monitor when enabled. Idempotent.
func (m *CandleDataManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || !m.config.MonitoringEnabled {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	m.lastCPUSample = cpuSample{procTime: processCPUTime(), wallTime: time.Now()}

	go m.monitorLoop(m.stopChan, m.done)
	m.logger.Info().Dur("interval", m.config.MonitoringInterval).Msg("Resource monitoring started")
}

// Stop halts the monitor. Idempotent.
func (m *CandleDataManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	done := m.done
	m.mu.Unlock()

	<-done
}

func (m *CandleDataManager) monitorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sampleResources()
		}
	}
}

// sampleResources collects one metrics snapshot and warns above 80% load.
func (m *CandleDataManager) sampleResources() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	storeStats := m.store.Stats()
	now := time.Now()
	procTime := processCPUTime()

	m.mu.Lock()
	cpuPct := 0.0
	if wall := now.Sub(m.lastCPUSample.wallTime); wall > 0 {
		cpuPct = float64(procTime-m.lastCPUSample.procTime) / float64(wall) * 100
	}
	m.lastCPUSample = cpuSample{procTime: procTime, wallTime: now}

	processMB := float64(memStats.HeapAlloc) / (1024 * 1024)
	totalMB := float64(memStats.Sys) / (1024 * 1024)
	memoryPct := 0.0
	if m.config.MemoryBudgetMB > 0 {
		memoryPct = processMB / m.config.MemoryBudgetMB * 100
	}

	tfCount := 0
	for _, cfg := range m.symbols {
		tfCount += len(cfg.Timeframes)
	}

	metrics := &ResourceMetrics{
		CPUPct:           cpuPct,
		MemoryPct:        memoryPct,
		MemoryMB:         totalMB,
		ProcessMemoryMB:  processMB,
		CandleStorageMB:  storeStats.MemoryMB,
		TotalCandles:     storeStats.TotalCandles,
		ActiveSymbols:    len(m.symbols),
		ActiveTimeframes: tfCount,
		Timestamp:        now,
	}
	m.latestMetrics = metrics
	m.mu.Unlock()

	if cpuPct > 80 {
		m.logger.Warn().Float64("cpu_pct", cpuPct).Msg("High CPU usage")
	}
	if memoryPct > 80 {
		m.logger.Warn().
			Float64("memory_pct", memoryPct).
			Float64("process_memory_mb", processMB).
			Msg("High memory usage")
	}
}

// LatestMetrics returns the newest monitoring sample, if any.
func (m *CandleDataManager) LatestMetrics() (ResourceMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latestMetrics == nil {
		return ResourceMetrics{}, false
	}
	return *m.latestMetrics, true
}

// processCPUTime returns the cumulative user+system CPU time of the process.
func processCPUTime() time.Duration {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	user := time.Duration(usage.Utime.Sec)*time.Second + time.Duration(usage.Utime.Usec)*time.Microsecond
	sys := time.Duration(usage.Stime.Sec)*time.Second + time.Duration(usage.Stime.Usec)*time.Microsecond
	return user + sys
}
