package scheduler

// Metrics is a snapshot of scheduler counters. The processing-time
// average is cumulative over completed and failed executions.
type Metrics struct {
	Submitted        int64
	Completed        int64
	Failed           int64
	Cancelled        int64
	Running          int
	Queued           int
	Waiting          int
	AvgProcessingMs  float64
	processingSample int64
}

// observeProcessing folds one execution duration into the average.
func (m *Metrics) observeProcessing(ms float64) {
	m.processingSample++
	m.AvgProcessingMs += (ms - m.AvgProcessingMs) / float64(m.processingSample)
}
