package cache

import "time"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                           {}
func (NoopMetrics) Miss()                          {}
func (NoopMetrics) Load(int, time.Duration, error) {}
func (NoopMetrics) Evict(EvictReason)              {}
func (NoopMetrics) Size(int64)                     {}

var _ Metrics = NoopMetrics{}
