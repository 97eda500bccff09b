// Package metrics is the read-only Metrics HTTP surface: Prometheus text
// exposition at a configurable path (default /metrics), a /healthz
// liveness/readiness endpoint reusing the Recovery Loop's own checks, and a
// one-way /ws/events broadcast of task-state-change events for external
// tooling. Grounded on the reference codebase's gateway server (its
// websocket-accept/broadcast idiom, trimmed to one-way) and its hand-rolled
// metrics handler (the same fmt.Fprintf-per-series style, extended to the
// OpenTelemetry-backed instrument set of this project).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/otel"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/recovery"
	"github.com/basket/taskwarden/internal/store"
)

// Config configures the HTTP surface.
type Config struct {
	Addr         string
	Path         string // defaults to /metrics
	AllowOrigins []string
}

// Server owns the HTTP listener, the outcome-counter mirror backing
// task_runs_total, and the set of connected /ws/events clients.
type Server struct {
	cfg     Config
	store   *store.Store
	arbiter *ratelimit.Arbiter
	loop    *recovery.Loop
	eventBus *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	runCounts sync.Map // outcome string -> *int64

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	httpServer *http.Server
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// New constructs a Server. metrics may be nil if OpenTelemetry is disabled;
// the hand-rolled Prometheus encoder still works from the Store/Arbiter
// directly in that case.
func New(cfg Config, st *store.Store, arbiter *ratelimit.Arbiter, loop *recovery.Loop, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, store: st, arbiter: arbiter, loop: loop, eventBus: eventBus, metrics: metrics, logger: logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// RegisterCallbacks attaches this server's live readers to the OpenTelemetry
// observable gauges. It is separate from New so the orchestrator can wire
// otel.Init's Provider after both Server and Metrics exist.
func (s *Server) RegisterCallbacks(meter metric.Meter) error {
	if s.metrics == nil {
		return nil
	}
	_, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		workers, err := s.store.ListWorkers(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, w := range workers {
			o.ObserveFloat64(s.metrics.WorkerHeartbeatAge, now.Sub(w.HeartbeatAt).Seconds(),
				metric.WithAttributes(attribute.String("worker_id", w.ID)))
		}

		for _, status := range allStatuses {
			tasks, err := s.store.ListTasks(ctx, status, "")
			if err != nil {
				return err
			}
			o.ObserveInt64(s.metrics.QueueTasksTotal, int64(len(tasks)),
				metric.WithAttributes(attribute.String("state", string(status))))
		}

		if s.loop != nil {
			if freeBytes, err := s.loop.DiskFreeBytes(); err == nil {
				o.ObserveInt64(s.metrics.SystemDiskFreeBytes, freeBytes)
			}
		}

		if s.arbiter != nil {
			available, _ := s.arbiter.Available()
			v := int64(0)
			if available {
				v = 1
			}
			o.ObserveInt64(s.metrics.RateLimitAvailable, v)
		}
		return nil
	}, s.metrics.WorkerHeartbeatAge, s.metrics.QueueTasksTotal, s.metrics.SystemDiskFreeBytes, s.metrics.RateLimitAvailable)
	return err
}

var allStatuses = []store.TaskStatus{
	store.StatusPending, store.StatusProcessing, store.StatusPaused, store.StatusWaitingUnban,
	store.StatusRetrying, store.StatusNeedsHumanReview, store.StatusCompleted, store.StatusFailed, store.StatusCancelled,
}

// Run starts the HTTP server and the bus consumer that mirrors task outcomes
// into task_runs_total and forwards task-state-change events to connected
// websocket clients. It blocks until ctx is cancelled, then shuts the server
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/events", s.handleWS)

	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	sub := s.eventBus.Subscribe(bus.TopicTaskOutcome)
	stateSub := s.eventBus.Subscribe(bus.TopicTaskStateChanged)
	defer s.eventBus.Unsubscribe(sub)
	defer s.eventBus.Unsubscribe(stateSub)
	go s.consumeOutcomes(ctx, sub)
	go s.consumeStateChanges(ctx, stateSub)

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("metrics: listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) consumeOutcomes(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			oc, ok := ev.Payload.(bus.TaskOutcomeEvent)
			if !ok {
				continue
			}
			status := string(oc.Outcome)
			counter, _ := s.runCounts.LoadOrStore(status, new(int64))
			atomic.AddInt64(counter.(*int64), 1)
			if s.metrics != nil {
				s.metrics.TaskRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
			}
		}
	}
}

func (s *Server) consumeStateChanges(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev bus.Event) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), ev); err != nil {
			s.logger.Warn("metrics: ws broadcast write failed", "error", err)
		}
	}
}

func (c *wsClient) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.logger.Info("metrics: ws client connected")

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Read-only surface: the only reads performed here are to detect the
	// client going away (no inbound protocol is defined).
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.loop == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ok, detail := s.loop.Healthy(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, detail[k])
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP task_runs_total Completed task attempts by terminal status.\n")
	fmt.Fprintf(w, "# TYPE task_runs_total counter\n")
	s.runCounts.Range(func(k, v interface{}) bool {
		fmt.Fprintf(w, "task_runs_total{status=%q} %d\n", k.(string), atomic.LoadInt64(v.(*int64)))
		return true
	})

	fmt.Fprintf(w, "# HELP worker_heartbeat_age_seconds Seconds since each worker's last heartbeat.\n")
	fmt.Fprintf(w, "# TYPE worker_heartbeat_age_seconds gauge\n")
	if workers, err := s.store.ListWorkers(ctx); err == nil {
		now := time.Now()
		for _, wk := range workers {
			fmt.Fprintf(w, "worker_heartbeat_age_seconds{worker_id=%q} %.3f\n", wk.ID, now.Sub(wk.HeartbeatAt).Seconds())
		}
	}

	fmt.Fprintf(w, "# HELP queue_tasks_total Task count by queue state.\n")
	fmt.Fprintf(w, "# TYPE queue_tasks_total gauge\n")
	for _, status := range allStatuses {
		if tasks, err := s.store.ListTasks(ctx, status, ""); err == nil {
			fmt.Fprintf(w, "queue_tasks_total{state=%q} %d\n", string(status), len(tasks))
		}
	}

	fmt.Fprintf(w, "# HELP system_disk_free_bytes Free bytes on the task workspace filesystem.\n")
	fmt.Fprintf(w, "# TYPE system_disk_free_bytes gauge\n")
	if s.loop != nil {
		if freeBytes, err := s.loop.DiskFreeBytes(); err == nil {
			fmt.Fprintf(w, "system_disk_free_bytes %d\n", freeBytes)
		}
	}

	fmt.Fprintf(w, "# HELP rate_limit_available 1 if the rate-limit arbiter is currently available, 0 otherwise.\n")
	fmt.Fprintf(w, "# TYPE rate_limit_available gauge\n")
	if s.arbiter != nil {
		available, _ := s.arbiter.Available()
		v := 0
		if available {
			v = 1
		}
		fmt.Fprintf(w, "rate_limit_available %d\n", v)
	}
}
