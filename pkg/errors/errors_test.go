package errors

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []error
}

func (r *recordingReporter) Report(err error) {
	r.reported = append(r.reported, err)
}

func withRecorder(t *testing.T) *recordingReporter {
	t.Helper()
	rec := &recordingReporter{}
	ResetReporters()
	RegisterReporter(rec)
	prev, had := os.LookupEnv(debugMode)
	require.NoError(t, os.Unsetenv(debugMode))
	t.Cleanup(func() {
		ResetReporters()
		if had {
			_ = os.Setenv(debugMode, prev)
		}
	})
	return rec
}

func TestWrapAndReport(t *testing.T) {
	rec := withRecorder(t)

	assert.Nil(t, WrapAndReport(nil, "nothing"))
	assert.Empty(t, rec.reported)

	base := New("relay closed")
	err := WrapAndReport(base, "publish session request")
	require.Error(t, err)
	assert.Equal(t, "publish session request: relay closed", err.Error())
	assert.True(t, Is(err, base))
	assert.Len(t, rec.reported, 1)
}

func TestPlainWrapDoesNotReport(t *testing.T) {
	rec := withRecorder(t)

	err := Wrapf(fmt.Errorf("boom"), "sign group %d", 2)
	assert.Equal(t, "sign group 2: boom", err.Error())
	assert.Empty(t, rec.reported)
}

func TestDebugEnvDisablesReporting(t *testing.T) {
	rec := withRecorder(t)
	require.NoError(t, os.Setenv(debugMode, "1"))
	defer os.Unsetenv(debugMode)

	_ = NewWithReport("ignored")
	assert.Empty(t, rec.reported)
}

func TestRateLimiterSilencesRepeats(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(time.Minute)
	rl.now = func() time.Time { return now }

	limited, stats := rl.StackBasedRateLimited("site")
	assert.False(t, limited)
	assert.Nil(t, stats.lastReportTime)

	now = now.Add(10 * time.Second)
	limited, _ = rl.StackBasedRateLimited("site")
	assert.True(t, limited)

	limited, _ = rl.StackBasedRateLimited("other-site")
	assert.False(t, limited)

	now = now.Add(time.Minute)
	limited, stats = rl.StackBasedRateLimited("site")
	assert.False(t, limited)
	assert.Equal(t, 1, stats.occurCountSinceLastReport)
	assert.Equal(t, 2, stats.totalOccurCount)
}
