package scripting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const upperScript = `
function filter(room, sender, text)
	return string.upper(text)
end
`

func applyAsync(f *Filter, text string) <-chan string {
	out := make(chan string, 1)
	go func() {
		got, _ := f.Apply("lobby", "alice", text)
		out <- got
	}()
	return out
}

func TestFilterPool_BusyStateDoesNotBlockOthers(t *testing.T) {
	f, err := NewFilterFromString(upperScript, 0, zaptest.NewLogger(t), WithPoolSize(2))
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 2, f.size)

	// A call in another room holds one state.
	held := <-f.states

	select {
	case got := <-applyAsync(f, "hi"):
		assert.Equal(t, "HI", got)
	case <-time.After(time.Second):
		t.Fatal("Apply waited on a state held by another call")
	}

	f.states <- held
}

func TestFilterPool_WaitsWhenEveryStateIsBusy(t *testing.T) {
	f, err := NewFilterFromString(upperScript, 0, zaptest.NewLogger(t), WithPoolSize(1))
	require.NoError(t, err)
	defer f.Close()

	held := <-f.states
	result := applyAsync(f, "queued")

	select {
	case <-result:
		t.Fatal("Apply ran without a free state")
	case <-time.After(100 * time.Millisecond):
	}

	f.states <- held
	select {
	case got := <-result:
		assert.Equal(t, "QUEUED", got)
	case <-time.After(time.Second):
		t.Fatal("Apply did not resume once a state was returned")
	}
}

func TestFilterPool_GlobalsArePerState(t *testing.T) {
	f, err := NewFilterFromString(`
calls = 0
function filter(room, sender, text)
	calls = calls + 1
	return tostring(calls)
end
`, 0, zaptest.NewLogger(t), WithPoolSize(2))
	require.NoError(t, err)
	defer f.Close()

	a := <-f.states
	b := <-f.states
	require.NotSame(t, a, b)
	f.states <- a
	got, _ := f.Apply("lobby", "alice", "x")
	assert.Equal(t, "1", got)

	f.states <- b
	<-f.states // a, which has seen one call
	got, _ = f.Apply("lobby", "alice", "x")
	assert.Equal(t, "1", got, "b keeps its own counter")
	f.states <- a
}

func TestFilterPool_DefaultSizeAndClose(t *testing.T) {
	f, err := NewFilterFromString(upperScript, 0, zaptest.NewLogger(t), WithPoolSize(0))
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolSize, f.size)
	assert.Len(t, f.states, DefaultPoolSize)

	f.Close()
	assert.False(t, f.Enabled())
	got, ok := f.Apply("lobby", "alice", "after close")
	assert.True(t, ok)
	assert.Equal(t, "after close", got)

	f.Close()
}
