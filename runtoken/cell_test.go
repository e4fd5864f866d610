package runtoken

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellNotifyWorkWakesSelectWithoutBlocking(t *testing.T) {
	c := New(context.Background())

	// NotifyWork before anyone is listening must not block.
	done := make(chan struct{})
	go func() {
		c.NotifyWork()
		c.NotifyWork()
		c.NotifyWork()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyWork blocked")
	}

	select {
	case <-c.WorkCh():
	case <-time.After(time.Second):
		t.Fatal("expected a pending wake")
	}

	// The three notifications collapsed to one pending slot.
	select {
	case <-c.WorkCh():
		t.Fatal("expected no second pending wake")
	default:
	}
}

func TestCellCancelClosesContextDone(t *testing.T) {
	c := New(context.Background())
	select {
	case <-c.Context().Done():
		t.Fatal("context done before Cancel")
	default:
	}
	c.Cancel()
	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not done after Cancel")
	}
}

func TestCellResetProducesFreshGeneration(t *testing.T) {
	c := New(context.Background())
	c.Cancel()
	require.Error(t, c.Context().Err())

	c.Reset(context.Background())
	assert.NoError(t, c.Context().Err())

	c.Cancel()
	assert.Error(t, c.Context().Err())
}

func TestCellContextFollowsParentCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	c := New(parent)
	parentCancel()
	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("cell context not cancelled when parent was cancelled")
	}
}
