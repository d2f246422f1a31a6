package metric

// MetricItem is one module's counter block. Every package that keeps
// counters exposes them through this interface so the metrics endpoint can
// render them uniformly.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
