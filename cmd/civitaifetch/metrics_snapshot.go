package main

import (
	"fmt"
	"os"

	"github.com/prometheus/common/expfmt"

	"github.com/tachyon-labs/civitai-fetch/internal/metrics"
)

// writeMetricsSnapshot dumps the registry's current values in Prometheus
// text exposition format. The engine never runs its own /metrics listener
// (spec Non-goals: no server-side operations), so this one-shot file dump
// at shutdown is how the Gatherer surface actually gets exercised outside
// of tests.
func writeMetricsSnapshot(path string, reg *metrics.Registry) error {
	families, err := reg.Gatherer().Gather()
	if err != nil {
		return fmt.Errorf("civitaifetch: gathering metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("civitaifetch: creating %s: %w", path, err)
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("civitaifetch: encoding metric family: %w", err)
		}
	}
	return nil
}
