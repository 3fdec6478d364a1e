package store

import "qtrain_backend/models"

// metricRing is a fixed-capacity circular buffer of metric samples. Push is
// O(1); once full the oldest sample is overwritten.
type metricRing struct {
	buf   []models.MetricSample
	head  int // index of the oldest sample
	count int
}

func newMetricRing(capacity int) metricRing {
	return metricRing{buf: make([]models.MetricSample, capacity)}
}

func (r *metricRing) push(sample models.MetricSample) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = sample
		r.count++
		return
	}
	r.buf[r.head] = sample
	r.head = (r.head + 1) % len(r.buf)
}

// ordered returns the samples oldest-first as a fresh slice
func (r *metricRing) ordered() []models.MetricSample {
	if r.count == 0 {
		return nil
	}
	out := make([]models.MetricSample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
