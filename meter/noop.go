package meter

import "github.com/ineyio/tokenmeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenmeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(tokenmeter.RouteEvent)   {}
func (m *NoopMeter) OnReject(tokenmeter.RejectEvent) {}
func (m *NoopMeter) OnResult(tokenmeter.ResultEvent) {}
func (m *NoopMeter) OnExpire(tokenmeter.ExpireEvent) {}

// Multi fans every event out to each meter in order.
type Multi []tokenmeter.Meter

var _ tokenmeter.Meter = Multi(nil)

func (m Multi) OnRoute(e tokenmeter.RouteEvent) {
	for _, mm := range m {
		mm.OnRoute(e)
	}
}

func (m Multi) OnReject(e tokenmeter.RejectEvent) {
	for _, mm := range m {
		mm.OnReject(e)
	}
}

func (m Multi) OnResult(e tokenmeter.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnExpire(e tokenmeter.ExpireEvent) {
	for _, mm := range m {
		mm.OnExpire(e)
	}
}
