package metric

// MetricItem - 一个独立的metric模块对应一个MetricItem
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}

// FuncMetricItem 把一个取快照的函数包成MetricItem，
// consensus等模块用它暴露内部metric而不泄漏内部结构
type FuncMetricItem func() string

func (f FuncMetricItem) JSONString() string {
	return f()
}
