package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/swiftgrid/worker/internal/platform/logger"
)

// Metrics exposes the worker's counters, gauges, and histograms in Prometheus
// text format. It mirrors the hand-rolled primitives the rest of the stack
// already uses instead of pulling in the full client_golang dependency tree.
type Metrics struct {
	jobsClaimed    *CounterVec
	jobsProcessed  *CounterVec
	jobLatency     *HistogramVec
	jobRetries     *Counter
	jobsInFlight   *Gauge
	executorLat    *HistogramVec
	executorErrors *CounterVec

	mapItemsSpawned  *Counter
	mapItemsComplete *CounterVec
	batchConcurrency *GaugeVec

	subflowsSpawned  *Counter
	subflowsResumed  *CounterVec
	cancelsTriggered *Counter

	schedulerTick      *Counter
	schedulerPromoted  *Counter
	schedulerCronFired *Counter

	queueDepth *Gauge
	pgUp       *Gauge
	redisUp    *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Enabled reports whether METRICS_ENABLED is truthy; an unset variable
// counts as enabled.
func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return true
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the process-wide Metrics instance, or nil if Init was
// never called or metrics are disabled.
func Current() *Metrics {
	return instance
}

// Init builds the singleton Metrics instance. Safe to call more than once;
// only the first call takes effect.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			jobsClaimed:   NewCounterVec("swiftgrid_jobs_claimed_total", "Jobs claimed off the stream by node kind.", []string{"node_kind"}),
			jobsProcessed: NewCounterVec("swiftgrid_jobs_processed_total", "Jobs processed to a terminal outcome.", []string{"node_kind", "outcome"}),
			jobLatency: NewHistogramVec(
				"swiftgrid_job_duration_seconds",
				"Node execution latency in seconds by node kind and outcome.",
				[]string{"node_kind", "outcome"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			),
			jobRetries:   NewCounter("swiftgrid_job_retries_total", "Total retry re-enqueues."),
			jobsInFlight: NewGauge("swiftgrid_jobs_in_flight", "Jobs currently claimed by a consumer and being processed."),
			executorLat: NewHistogramVec(
				"swiftgrid_executor_duration_seconds",
				"Time spent inside a node executor's Run call.",
				[]string{"node_kind"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			),
			executorErrors: NewCounterVec("swiftgrid_executor_errors_total", "Executor-level errors by node kind and class.", []string{"node_kind", "class"}),

			mapItemsSpawned:  NewCounter("swiftgrid_map_items_spawned_total", "Child runs spawned by the map engine."),
			mapItemsComplete: NewCounterVec("swiftgrid_map_items_completed_total", "Child runs completed by the map engine by status.", []string{"status"}),
			batchConcurrency: NewGaugeVec("swiftgrid_map_batch_in_flight", "In-flight child count for a batch operation.", []string{"batch_id"}),

			subflowsSpawned:  NewCounter("swiftgrid_subflows_spawned_total", "Sub-flow child runs spawned."),
			subflowsResumed:  NewCounterVec("swiftgrid_subflows_resumed_total", "Sub-flow parent resumes by status class.", []string{"class"}),
			cancelsTriggered: NewCounter("swiftgrid_cancels_triggered_total", "Cancellation tokens triggered process-wide."),

			schedulerTick:      NewCounter("swiftgrid_scheduler_ticks_total", "Scheduler sidecar ticks processed."),
			schedulerPromoted:  NewCounter("swiftgrid_scheduler_delayed_promoted_total", "Delayed jobs promoted to the ready stream."),
			schedulerCronFired: NewCounter("swiftgrid_scheduler_cron_fired_total", "Cron-triggered workflow runs created."),

			queueDepth: NewGauge("swiftgrid_queue_depth", "Approximate pending-entries count on the job stream."),
			pgUp:       NewGauge("swiftgrid_postgres_up", "1 if the last Postgres ping succeeded."),
			redisUp:    NewGauge("swiftgrid_redis_up", "1 if the last Redis ping succeeded."),
		}
	})
	return instance
}

func (m *Metrics) ObserveClaim(nodeKind string) {
	if m == nil {
		return
	}
	m.jobsClaimed.Inc(nodeKind)
	m.jobsInFlight.Inc()
}

func (m *Metrics) ObserveOutcome(nodeKind, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.Inc(nodeKind, outcome)
	m.jobLatency.Observe(dur.Seconds(), nodeKind, outcome)
	m.jobsInFlight.Dec()
	if outcome == "retry" {
		m.jobRetries.Inc()
	}
}

func (m *Metrics) ObserveExecutor(nodeKind string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.executorLat.Observe(dur.Seconds(), nodeKind)
	if err != nil {
		m.executorErrors.Inc(nodeKind, classifyErrorLabel(err))
	}
}

func (m *Metrics) ObserveMapSpawn(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mapItemsSpawned.Add(float64(n))
}

func (m *Metrics) ObserveMapItemComplete(status string) {
	if m == nil {
		return
	}
	m.mapItemsComplete.Inc(status)
}

func (m *Metrics) SetBatchInFlight(batchID string, n int) {
	if m == nil {
		return
	}
	m.batchConcurrency.Set(float64(n), batchID)
}

func (m *Metrics) ObserveSubflowSpawn() {
	if m == nil {
		return
	}
	m.subflowsSpawned.Inc()
}

func (m *Metrics) ObserveSubflowResume(class string) {
	if m == nil {
		return
	}
	m.subflowsResumed.Inc(class)
}

func (m *Metrics) ObserveCancelTriggered() {
	if m == nil {
		return
	}
	m.cancelsTriggered.Inc()
}

func (m *Metrics) ObserveSchedulerTick() {
	if m == nil {
		return
	}
	m.schedulerTick.Inc()
}

func (m *Metrics) ObserveDelayedPromoted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.schedulerPromoted.Add(float64(n))
}

func (m *Metrics) ObserveCronFired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.schedulerCronFired.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// PingDependencies probes Postgres and Redis and records the result as gauges.
// The worker process calls it every 15s from cmd/worker's pingDependenciesLoop.
func (m *Metrics) PingDependencies(ctx context.Context, db *gorm.DB, rdb *redis.Client) {
	if m == nil {
		return
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil && sqlDB.PingContext(ctx) == nil {
			m.pgUp.Set(1)
		} else {
			m.pgUp.Set(0)
		}
	}
	if rdb != nil {
		if rdb.Ping(ctx).Err() == nil {
			m.redisUp.Set(1)
		} else {
			m.redisUp.Set(0)
		}
	}
}

func classifyErrorLabel(err error) string {
	if err == nil {
		return "none"
	}
	return "error"
}

// StartServer serves the metrics text format on addr until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	collectors := []interface{ WritePrometheus(io.Writer) error }{
		m.jobsClaimed, m.jobsProcessed, m.jobLatency, m.jobRetries, m.jobsInFlight,
		m.executorLat, m.executorErrors, m.mapItemsSpawned, m.mapItemsComplete,
		m.batchConcurrency, m.subflowsSpawned, m.subflowsResumed, m.cancelsTriggered,
		m.schedulerTick, m.schedulerPromoted, m.schedulerCronFired,
		m.queueDepth, m.pgUp, m.redisUp,
	}
	for _, c := range collectors {
		_ = c.WritePrometheus(w)
	}
}

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
