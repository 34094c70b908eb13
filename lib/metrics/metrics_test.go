package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

func TestObserveRequestIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ObserveRequest(provider.MbedCrypto, provider.PsaSignHash, provider.Success, 5*time.Millisecond)

	count := testutil.ToFloat64(m.requestsTotal.With(prometheus.Labels{
		"provider": provider.MbedCrypto.String(),
		"opcode":   provider.PsaSignHash.String(),
		"status":   provider.Success.String(),
	}))
	require.Equal(t, 1.0, count)
}

func TestSetProviderUp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.SetProviderUp(provider.Tpm, true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.providerUp.With(prometheus.Labels{"provider": provider.Tpm.String()})))

	m.SetProviderUp(provider.Tpm, false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.providerUp.With(prometheus.Labels{"provider": provider.Tpm.String()})))
}
