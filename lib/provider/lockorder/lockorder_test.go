package lockorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInOrderAcquisitionIsClean(t *testing.T) {
	ctx := WithRecorder(context.Background())

	require.NoError(t, Enter(ctx, SlotSemaphore))
	require.NoError(t, Enter(ctx, KIMLock))
	require.NoError(t, Enter(ctx, LocalIDStoreLock))
	require.NoError(t, Enter(ctx, BackendMutex))

	Exit(ctx, BackendMutex)
	Exit(ctx, LocalIDStoreLock)
	Exit(ctx, KIMLock)
	Exit(ctx, SlotSemaphore)
}

func TestOutOfOrderAcquisitionIsRejected(t *testing.T) {
	ctx := WithRecorder(context.Background())

	require.NoError(t, Enter(ctx, KIMLock))
	err := Enter(ctx, SlotSemaphore)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lock order violation")
}

func TestSameLevelReentryIsFine(t *testing.T) {
	ctx := WithRecorder(context.Background())

	require.NoError(t, Enter(ctx, BackendMutex))
	require.NoError(t, Enter(ctx, BackendMutex))
}

func TestNoRecorderAttachedIsANoOp(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, Enter(ctx, KIMLock))
	require.NoError(t, Enter(ctx, SlotSemaphore))
	Exit(ctx, KIMLock)
}
