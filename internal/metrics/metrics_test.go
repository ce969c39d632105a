package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"IngestedTotal", IngestedTotal},
		{"IngestRejectedTotal", IngestRejectedTotal},
		{"CompressionsTotal", CompressionsTotal},
		{"CompressionDuration", CompressionDuration},
		{"BytesSavedTotal", BytesSavedTotal},
		{"BatchRunsTotal", BatchRunsTotal},
		{"BatchRunning", BatchRunning},
		{"LiveReferences", LiveReferences},
		{"ExportsTotal", ExportsTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(CompressionsTotal.WithLabelValues("done"))
	CompressionsTotal.WithLabelValues("done").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CompressionsTotal.WithLabelValues("done")))

	ExportsTotal.WithLabelValues("success").Add(2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(ExportsTotal.WithLabelValues("success")), 2.0)
}
