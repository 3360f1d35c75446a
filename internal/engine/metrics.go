package engine

import "as-market-maker/risk"

// Metrics 引擎上报的指标，由 infrastructure/monitor 实现
type Metrics interface {
	RecordQuote(bid, ask, spread float64, degraded bool)
	RecordIndicators(volatility, intensity float64)
	RecordRefresh()
	RecordOrderSubmitted(side string)
	RecordOrderAdopted()
	RecordOrderRejected(reason string)
	RecordOrderCancelled()
	RecordCancelFailed()
	RecordOrderFilled(side string, size float64)
	RecordCycle(seconds float64)
	RecordCycleAbandoned()
	RecordReconcile()
	RecordConnectivity(connected bool)
	RecordRisk(st risk.State)
}

type noopMetrics struct{}

func (noopMetrics) RecordQuote(float64, float64, float64, bool) {}
func (noopMetrics) RecordIndicators(float64, float64)           {}
func (noopMetrics) RecordRefresh()                              {}
func (noopMetrics) RecordOrderSubmitted(string)                 {}
func (noopMetrics) RecordOrderAdopted()                         {}
func (noopMetrics) RecordOrderRejected(string)                  {}
func (noopMetrics) RecordOrderCancelled()                       {}
func (noopMetrics) RecordCancelFailed()                         {}
func (noopMetrics) RecordOrderFilled(string, float64)           {}
func (noopMetrics) RecordCycle(float64)                         {}
func (noopMetrics) RecordCycleAbandoned()                       {}
func (noopMetrics) RecordReconcile()                            {}
func (noopMetrics) RecordConnectivity(bool)                     {}
func (noopMetrics) RecordRisk(risk.State)                       {}
