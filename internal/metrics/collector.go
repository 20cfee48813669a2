// ABOUTME: Prometheus collector for coordination metrics on a private registry
// ABOUTME: Counts agent requests, goals, plan outcomes and published paths, and tracks queue sizes

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/arena-gateway/internal/arena"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "arena"

// Queue label values for queue_size.
const (
	QueueUnassignedAgents = "unassigned_agents"
	QueueUnassignedGoals  = "unassigned_goals"
	QueueAssignedGoals    = "assigned_goals"
)

// Collector records coordination metrics.
type Collector struct {
	registry *prometheus.Registry

	agentRequests  *prometheus.CounterVec
	goalsReceived  prometheus.Counter
	plans          *prometheus.CounterVec
	planDuration   prometheus.Histogram
	queueSize      *prometheus.GaugeVec
	pathsPublished prometheus.Counter
}

// NewCollector creates a collector with its own registry. An empty namespace
// uses DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		agentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_requests_total",
				Help:      "Agent requests handled by the manager",
			},
			[]string{"request", "response"},
		),
		goalsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_received_total",
			Help:      "Goals accepted into the unassigned queue",
		}),
		plans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_total",
				Help:      "Completed plan requests by status",
			},
			[]string{"status"},
		),
		planDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Wall time of completed plan requests",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		queueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "Current size of the manager queues",
			},
			[]string{"queue"},
		),
		pathsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_published_total",
			Help:      "Plans published on the agent_paths topic",
		}),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// AgentRequest counts one handled agent request.
func (c *Collector) AgentRequest(req arena.RequestType, resp arena.ResponseType) {
	c.agentRequests.WithLabelValues(string(req), string(resp)).Inc()
}

// GoalReceived counts one accepted goal.
func (c *Collector) GoalReceived() {
	c.goalsReceived.Inc()
}

// PlanFinished counts a completed plan and observes its duration.
func (c *Collector) PlanFinished(status string, d time.Duration) {
	c.plans.WithLabelValues(status).Inc()
	c.planDuration.Observe(d.Seconds())
}

// QueueSizes sets the current manager queue sizes.
func (c *Collector) QueueSizes(agents, goals, assigned int) {
	c.queueSize.WithLabelValues(QueueUnassignedAgents).Set(float64(agents))
	c.queueSize.WithLabelValues(QueueUnassignedGoals).Set(float64(goals))
	c.queueSize.WithLabelValues(QueueAssignedGoals).Set(float64(assigned))
}

// PathsPublished counts one published plan.
func (c *Collector) PathsPublished() {
	c.pathsPublished.Inc()
}
