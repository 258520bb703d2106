package agent

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tensorlend/hostagent/pkg/store"
)

// Metrics is the agent's local observability surface. A nil *Metrics is
// valid and turns every record call into a no-op, which is how the agent
// runs when observability is disabled.
type Metrics struct {
	registry *prometheus.Registry

	loopErrors *prometheus.CounterVec
	commands   prometheus.Counter
	acks       prometheus.Counter
	deploys    *prometheus.CounterVec
}

// NewMetrics builds the registry: process metrics, the agent counters, and
// a store-backed collector for slot and deployment state.
func NewMetrics(st store.Store) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_loop_errors_total",
			Help: "Per-iteration loop errors, swallowed at the loop boundary.",
		}, []string{"loop"}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_commands_received_total",
			Help: "Commands received from the central server.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_command_acks_total",
			Help: "Command acknowledgements sent to the central server.",
		}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_deploys_total",
			Help: "Deploy outcomes.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loopErrors,
		m.commands,
		m.acks,
		m.deploys,
		&storeCollector{store: st},
	)
	return m
}

func (m *Metrics) RecordLoopError(loop string) {
	if m == nil {
		return
	}
	m.loopErrors.WithLabelValues(loop).Inc()
}

func (m *Metrics) RecordCommand() {
	if m == nil {
		return
	}
	m.commands.Inc()
}

func (m *Metrics) RecordAck() {
	if m == nil {
		return
	}
	m.acks.Inc()
}

func (m *Metrics) RecordDeploy(outcome string) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(outcome).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeMetrics runs the local observability endpoint until ctx is done.
func ServeMetrics(ctx context.Context, listen string, m *Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("observability endpoint listening", slog.String("listen", listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

var (
	slotStatusDesc = prometheus.NewDesc(
		"hostagent_slot_status",
		"Current GPU slot status (1 for the active status).",
		[]string{"status"}, nil,
	)
	slotHealthyDesc = prometheus.NewDesc(
		"hostagent_slot_healthy",
		"Whether the GPU slot passed its last health check.",
		nil, nil,
	)
	slotFailuresDesc = prometheus.NewDesc(
		"hostagent_slot_consecutive_failures",
		"Consecutive failed health checks.",
		nil, nil,
	)
	deploymentsDesc = prometheus.NewDesc(
		"hostagent_deployments_nonterminal",
		"Non-terminal deployments by status.",
		[]string{"status"}, nil,
	)
)

// storeCollector exposes slot and deployment state straight from the store
// at scrape time.
type storeCollector struct {
	store store.Store
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- slotStatusDesc
	ch <- slotHealthyDesc
	ch <- slotFailuresDesc
	ch <- deploymentsDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slot, err := c.store.GetSlot(ctx, SlotID)
	if err == nil {
		for _, status := range []store.SlotStatus{store.SlotAvailable, store.SlotBusy, store.SlotQuarantined, store.SlotOffline} {
			v := 0.0
			if slot.Status == status {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(slotStatusDesc, prometheus.GaugeValue, v, string(status))
		}
		healthy := 0.0
		if slot.Healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(slotHealthyDesc, prometheus.GaugeValue, healthy)
		ch <- prometheus.MustNewConstMetric(slotFailuresDesc, prometheus.GaugeValue, float64(slot.ConsecutiveFailures))
	}

	deployments, err := c.store.ListNonTerminal(ctx)
	if err != nil {
		return
	}
	counts := make(map[store.DeploymentStatus]int)
	for _, d := range deployments {
		counts[d.Status]++
	}
	for _, status := range []store.DeploymentStatus{store.StatusDeploying, store.StatusRunning, store.StatusTerminating} {
		ch <- prometheus.MustNewConstMetric(deploymentsDesc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
