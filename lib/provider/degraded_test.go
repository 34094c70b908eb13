package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func panicking(g *DegradeGuard) (status Status) {
	defer g.Recover(&status)
	panic("backend invariant violated")
}

func TestDegradeGuardTripsOnceAndShortCircuits(t *testing.T) {
	var g DegradeGuard
	fired := 0
	g.SetOnDegrade(func() { fired++ })

	require.NoError(t, g.CheckDegraded())
	require.False(t, g.Degraded())

	require.Equal(t, PsaErrorGenericError, panicking(&g))
	require.Equal(t, PsaErrorGenericError, panicking(&g))

	// The callback fires on the first trip only; later panics still fail
	// the in-flight call but don't re-announce.
	require.Equal(t, 1, fired)
	require.True(t, g.Degraded())
	require.Error(t, g.CheckDegraded())
}
