package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks labeled items by terminal outcome
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewradar_items_processed_total",
			Help: "Total number of review items processed by outcome",
		},
		[]string{"outcome"},
	)

	// ProviderCallsTotal tracks provider calls by result (success, transient, permanent)
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewradar_provider_calls_total",
			Help: "Total number of labeling provider calls",
		},
		[]string{"provider", "result"},
	)

	// ProviderLatency tracks provider call latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewradar_provider_latency_seconds",
			Help:    "Labeling provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// CostSpent tracks USD spent per provider
	CostSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewradar_cost_usd_total",
			Help: "Total provider spend in USD",
		},
		[]string{"provider"},
	)

	// BudgetUsage tracks the share of today's budget already spent
	BudgetUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewradar_budget_usage_percentage",
			Help: "Percentage of the daily budget spent",
		},
	)

	// BudgetDenials tracks provider calls refused by the budget guard
	BudgetDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewradar_budget_denials_total",
			Help: "Total number of provider calls denied by the daily budget",
		},
	)

	// CostAlerts tracks alert threshold crossings
	CostAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewradar_cost_alerts_total",
			Help: "Total number of cost alert threshold crossings",
		},
	)

	// HumanQueueDepth tracks the manual labeling backlog
	HumanQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewradar_human_queue_depth",
			Help: "Number of reviews waiting for manual labeling",
		},
	)

	// DBConnectionPoolUsage tracks connection pool usage per SQL backend
	DBConnectionPoolUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reviewradar_db_connection_pool_usage_percentage",
			Help: "Percentage of open database connections out of the maximum",
		},
		[]string{"backend"},
	)
)
