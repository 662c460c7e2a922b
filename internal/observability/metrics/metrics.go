package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, upload
// session lifecycle events, chunk throughput, merge outcomes, and sweeper
// activity. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for active session tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	activeSessions  atomic.Int64
	chunkCount      uint64
	chunkBytes      uint64
	mergeCount      map[string]uint64
	mergeDuration   map[string]time.Duration
	sweepRemovals   map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		mergeCount:      make(map[string]uint64),
		mergeDuration:   make(map[string]time.Duration),
		sweepRemovals:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionOpened records a session lifecycle event that adds an active session
// ("created" or "resumed") and increments the gauge.
func (r *Recorder) SessionOpened(event string) {
	r.incrementSessionEvent(event)
	r.activeSessions.Add(1)
}

// SessionClosed records a terminal session event ("completed", "failed",
// "expired", "cancelled") and decrements the active gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) SessionClosed(event string) {
	r.incrementSessionEvent(event)
	r.decrementGauge(&r.activeSessions)
}

// ObserveSessionEvent records a session event that does not move the active
// gauge, such as "instant".
func (r *Recorder) ObserveSessionEvent(event string) {
	r.incrementSessionEvent(event)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunk accumulates chunk registration throughput.
func (r *Recorder) ObserveChunk(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	r.mu.Lock()
	r.chunkCount++
	r.chunkBytes += uint64(bytes)
	r.mu.Unlock()
}

// ObserveMerge records one merge attempt keyed by outcome ("completed",
// "checksum_mismatch", "storage_error", "catalog_error") with its duration.
func (r *Recorder) ObserveMerge(outcome string, duration time.Duration) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.mergeCount[normalized]++
	r.mergeDuration[normalized] += duration
	r.mu.Unlock()
}

// ObserveSweep records sweeper removals keyed by kind ("expired", "orphan").
func (r *Recorder) ObserveSweep(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.sweepRemovals[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of non-terminal upload sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ChunkCounts returns the accumulated chunk count and byte totals.
func (r *Recorder) ChunkCounts() (count, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunkCount, r.chunkBytes
}

// SessionEventCounts returns a copy of the session event counters for tests
// and reporting.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.mergeCount = make(map[string]uint64)
	r.mergeDuration = make(map[string]time.Duration)
	r.sweepRemovals = make(map[string]uint64)
	r.chunkCount = 0
	r.chunkBytes = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	mergeOutcomes := r.sortedMergeOutcomes()
	sweepKinds := sortedKeys(r.sweepRemovals)

	fmt.Fprintln(w, "# HELP reelvault_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE reelvault_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "reelvault_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP reelvault_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE reelvault_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "reelvault_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP reelvault_session_events_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE reelvault_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "reelvault_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP reelvault_active_sessions Current number of non-terminal upload sessions")
	fmt.Fprintln(w, "# TYPE reelvault_active_sessions gauge")
	fmt.Fprintf(w, "reelvault_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP reelvault_chunks_total Total chunk payloads registered")
	fmt.Fprintln(w, "# TYPE reelvault_chunks_total counter")
	fmt.Fprintf(w, "reelvault_chunks_total %d\n", r.chunkCount)

	fmt.Fprintln(w, "# HELP reelvault_chunk_bytes_total Total chunk payload bytes registered")
	fmt.Fprintln(w, "# TYPE reelvault_chunk_bytes_total counter")
	fmt.Fprintf(w, "reelvault_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP reelvault_merges_total Merge attempts by outcome")
	fmt.Fprintln(w, "# TYPE reelvault_merges_total counter")
	for _, outcome := range mergeOutcomes {
		count := r.mergeCount[outcome]
		fmt.Fprintf(w, "reelvault_merges_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP reelvault_merge_duration_seconds_sum Cumulative merge duration in seconds by outcome")
	fmt.Fprintln(w, "# TYPE reelvault_merge_duration_seconds_sum counter")
	for _, outcome := range mergeOutcomes {
		duration := r.mergeDuration[outcome].Seconds()
		fmt.Fprintf(w, "reelvault_merge_duration_seconds_sum{outcome=\"%s\"} %f\n", outcome, duration)
	}

	fmt.Fprintln(w, "# HELP reelvault_sweep_removals_total Sessions and namespaces reclaimed by the sweeper")
	fmt.Fprintln(w, "# TYPE reelvault_sweep_removals_total counter")
	for _, kind := range sweepKinds {
		count := r.sweepRemovals[kind]
		fmt.Fprintf(w, "reelvault_sweep_removals_total{kind=\"%s\"} %d\n", kind, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedMergeOutcomes() []string {
	seen := make(map[string]struct{}, len(r.mergeCount)+len(r.mergeDuration))
	for outcome := range r.mergeCount {
		seen[outcome] = struct{}{}
	}
	for outcome := range r.mergeDuration {
		seen[outcome] = struct{}{}
	}
	outcomes := make([]string, 0, len(seen))
	for outcome := range seen {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	return outcomes
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionOpened records a session opening on the default recorder.
func SessionOpened(event string) {
	defaultRecorder.SessionOpened(event)
}

// SessionClosed records a terminal session event on the default recorder.
func SessionClosed(event string) {
	defaultRecorder.SessionClosed(event)
}

// ObserveSessionEvent records a gauge-neutral session event on the default recorder.
func ObserveSessionEvent(event string) {
	defaultRecorder.ObserveSessionEvent(event)
}

// ObserveChunk records chunk throughput on the default recorder.
func ObserveChunk(bytes int64) {
	defaultRecorder.ObserveChunk(bytes)
}

// ObserveMerge records a merge outcome on the default recorder.
func ObserveMerge(outcome string, duration time.Duration) {
	defaultRecorder.ObserveMerge(outcome, duration)
}

// ObserveSweep records a sweeper removal on the default recorder.
func ObserveSweep(kind string) {
	defaultRecorder.ObserveSweep(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
