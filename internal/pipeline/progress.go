package pipeline

import "go.uber.org/zap"

// Reporter is notified after each batch completes. It is advisory and must not
// block for long; calls may arrive concurrently and out of index order.
type Reporter interface {
	OnBatchComplete(index, done, total int)
}

// LogReporter logs progress through the global zap logger.
type LogReporter struct {
	Task string
}

// OnBatchComplete implements Reporter.
func (l LogReporter) OnBatchComplete(index, done, total int) {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	zap.L().Info("batch complete",
		zap.String("task", l.Task),
		zap.Int("batch", index),
		zap.Int("done", done),
		zap.Int("total", total),
		zap.Float64("percent", pct),
	)
}

// NopReporter discards progress.
type NopReporter struct{}

// OnBatchComplete implements Reporter.
func (NopReporter) OnBatchComplete(int, int, int) {}

// Reporters fans progress out to several reporters.
type Reporters []Reporter

// OnBatchComplete implements Reporter.
func (rs Reporters) OnBatchComplete(index, done, total int) {
	for _, r := range rs {
		r.OnBatchComplete(index, done, total)
	}
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(index, done, total int)

// OnBatchComplete implements Reporter.
func (f ReporterFunc) OnBatchComplete(index, done, total int) {
	f(index, done, total)
}
