package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestMustRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		MustRegister(reg)
		MustRegister(reg)
	})

	DeliveryOutcomes.WithLabelValues("delivered").Inc()
	families, err := reg.Gather()
	assert.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["evgw_delivery_outcomes_total"])
}
