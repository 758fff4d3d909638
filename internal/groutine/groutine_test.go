package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_PropagatesName(t *testing.T) {
	names := make(chan string, 1)

	Go(context.Background(), "serial-reader", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "serial-reader", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoDone_ClosesAfterReturn(t *testing.T) {
	release := make(chan struct{})
	done := GoDone(nil, "blocked", func(ctx context.Context) {
		<-release
	})

	select {
	case <-done:
		t.Fatal("done closed before fn returned")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "done was never closed")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil context is handled
	assert.Equal(t, "", GetName(context.Background()))
}
