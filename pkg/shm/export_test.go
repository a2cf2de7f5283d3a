package shm

import "github.com/prometheus/client_golang/prometheus"

// Export internal functions and variables for testing.
// This file is only compiled during tests.

// LockPathForTesting returns the name lock file guarding name in dir.
func LockPathForTesting(dir, name string) string {
	return lockPath(dir, name)
}

// EncodeHeaderForTesting writes a size header into buf.
func EncodeHeaderForTesting(buf []byte, declaredSize int64) {
	encodeHeader(buf, declaredSize)
}

// MetricsForTesting returns the open gauge and the resize counter of sp.
func MetricsForTesting(sp *Space) (prometheus.Gauge, prometheus.Counter) {
	return sp.metrics.open, sp.metrics.resizes
}
