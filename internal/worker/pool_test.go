package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRuns struct {
	mu       sync.Mutex
	sessions []string
	deadline bool
}

func (r *recordedRuns) run(ctx context.Context, session string) error {
	_, ok := ctx.Deadline()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, session)
	r.deadline = ok
	return nil
}

func (r *recordedRuns) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveTrigger(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func TestWithinCooldown(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	assert.False(t, WithinCooldown(time.Time{}, now, time.Minute))
	assert.True(t, WithinCooldown(now.Add(-30*time.Second), now, time.Minute))
	assert.False(t, WithinCooldown(now.Add(-time.Minute), now, time.Minute))
}

func TestPoolRunsWithTimeout(t *testing.T) {
	runs := &recordedRuns{}
	p := NewPool(runs.run, Options{Workers: 2, JobTimeout: time.Second})
	defer p.Stop()

	require.True(t, p.Enqueue("plant-a"))
	require.True(t, p.Enqueue("plant-b"))
	require.Eventually(t, func() bool { return runs.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	runs.mu.Lock()
	defer runs.mu.Unlock()
	assert.ElementsMatch(t, []string{"plant-a", "plant-b"}, runs.sessions)
	assert.True(t, runs.deadline)
}

func TestPoolDropsTriggersDuringCooldown(t *testing.T) {
	runs := &recordedRuns{}
	obs := &countingObserver{}
	p := NewPool(runs.run, Options{Workers: 1, Cooldown: time.Hour, Metrics: obs})
	defer p.Stop()

	require.True(t, p.Enqueue("plant-a"))
	require.Eventually(t, func() bool { return runs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.Enqueue("plant-a"))
	assert.True(t, p.Enqueue("plant-b"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.outcomes[TriggerAccepted])
	assert.Equal(t, 1, obs.outcomes[TriggerCooldown])
}

func TestPoolCoalescesPendingSession(t *testing.T) {
	block := make(chan struct{})
	started := make(chan string, 4)
	p := NewPool(func(ctx context.Context, session string) error {
		started <- session
		<-block
		return nil
	}, Options{Workers: 1})
	defer p.Stop()
	defer close(block)

	require.True(t, p.Enqueue("busy"))
	<-started
	require.True(t, p.Enqueue("plant-a"))
	assert.False(t, p.Enqueue("plant-a"))

	sessions := p.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "busy", sessions[0].Session)
	assert.False(t, sessions[0].Pending)
	assert.Equal(t, "plant-a", sessions[1].Session)
	assert.True(t, sessions[1].Pending)
}

func TestPoolSchedule(t *testing.T) {
	runs := &recordedRuns{}
	p := NewPool(runs.run, Options{Workers: 1})
	defer p.Stop()

	p.Schedule("plant-a", 20*time.Millisecond)
	require.Eventually(t, func() bool { return runs.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	sessions := p.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 20*time.Millisecond, sessions[0].Interval)

	p.Unschedule("plant-a")
	assert.Zero(t, p.Sessions()[0].Interval)
}

func TestPoolStop(t *testing.T) {
	runs := &recordedRuns{}
	p := NewPool(runs.run, Options{Workers: 1})
	p.Stop()
	p.Stop()
	assert.False(t, p.Enqueue("plant-a"))
}
