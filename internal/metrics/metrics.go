// Package metrics holds Prometheus helpers shared by the shmipc packages.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every shmipc metric name.
const Namespace = "shmipc"

// Register registers c with reg and returns the collector to use.
//
// With a nil reg, c is returned unregistered. If an identical collector is
// already registered (a second Space or Server on the same registry), the
// existing one is returned so both share one series. On any other conflict
// c is returned unregistered: it keeps counting, it is just not exported.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}

	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}

	return c
}
