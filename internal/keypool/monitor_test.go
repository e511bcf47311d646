package keypool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectedErr struct{}

func (rejectedErr) Error() string            { return "401 unauthorized" }
func (rejectedErr) CredentialRejected() bool { return true }

type fakeProber map[string]struct {
	remaining float64
	err       error
}

func (f fakeProber) Probe(_ context.Context, secret string) (float64, error) {
	r := f[secret]
	return r.remaining, r.err
}

func TestMonitor_SyncsMarksAndRestores(t *testing.T) {
	ctx := context.Background()
	r, _, marker := newTestResolver(t, "sk-a", "sk-b")
	require.NoError(t, r.Reload(ctx, "openai"))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.selector.now = func() time.Time { return now }

	// another instance flagged credential 2
	require.NoError(t, marker.MarkUnhealthy(ctx, 2, "quota", time.Minute))
	m := NewMonitor(r, nil)
	m.RunOnce(ctx, "openai")

	snap := r.selector.Snapshot("openai")
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Healthy)
	assert.False(t, snap[1].Healthy)
	assert.Equal(t, "quota", snap[1].LastError)

	// the shared mark expires and so does the local cooldown
	marker.ids = nil
	now = now.Add(2 * time.Minute)
	m.RunOnce(ctx, "openai")
	assert.True(t, r.selector.Snapshot("openai")[1].Healthy)
}

func TestMonitor_ProbesQuotaAndRejects(t *testing.T) {
	ctx := context.Background()
	r, _, marker := newTestResolver(t, "sk-a", "sk-b", "sk-c")
	prober := fakeProber{
		"sk-a": {remaining: 5},
		"sk-b": {err: rejectedErr{}},
		"sk-c": {err: errors.New("timeout")},
	}
	m := NewMonitor(r, map[string]Prober{"openai": prober})
	m.RunOnce(ctx, "openai")

	snap := r.selector.Snapshot("openai")
	require.Len(t, snap, 3)
	assert.Equal(t, float64(5), snap[0].Remaining)
	assert.False(t, snap[1].Healthy)
	assert.True(t, snap[2].Healthy, "transient probe errors keep the key")

	ids, _ := marker.UnhealthyIDs(ctx)
	assert.Contains(t, ids, snap[1].ID)

	c, err := r.selector.BestOf("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-a", c.Secret)
}

func TestMonitor_RunRejectsBadSchedule(t *testing.T) {
	r, _, _ := newTestResolver(t)
	err := NewMonitor(r, nil).Run(context.Background(), "not a schedule", "openai")
	assert.Error(t, err)
}
