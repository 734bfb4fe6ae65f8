package builder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunTimedOut(t *testing.T) {
	deadlined, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-deadlined.Done()

	canceled, abort := context.WithCancel(context.Background())
	abort()

	live := context.Background()

	// The per-command deadline is a timeout however it surfaces.
	assert.True(t, runTimedOut(context.DeadlineExceeded, live))
	assert.True(t, runTimedOut(errors.New("wait failed"), deadlined))
	assert.True(t, runTimedOut(nil, deadlined))

	// A caller abort is not a timeout.
	assert.False(t, runTimedOut(context.Canceled, canceled))
	assert.False(t, runTimedOut(errors.New("wait failed"), canceled))
	assert.False(t, runTimedOut(errors.New("wait failed"), live))
}
