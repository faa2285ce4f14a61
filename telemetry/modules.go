package telemetry

// init declares metrics emitted by the core module through the
// core.MetricsRegistry hook. Core cannot import this package (telemetry
// imports core), so the declarations live here.
func init() {
	DeclareMetrics("core", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "redis.connections",
				Type:   "counter",
				Help:   "Redis connection attempts by outcome",
				Labels: []string{"namespace", "status"},
			},
			{
				Name:   "redis.health_checks",
				Type:   "counter",
				Help:   "Redis health check results",
				Labels: []string{"namespace", "status"},
			},
			{
				Name:   "actionplane.telemetry.operations",
				Type:   "counter",
				Help:   "Telemetry logger operations by level",
				Labels: []string{"level", "service", "component"},
			},
		},
	})
}
