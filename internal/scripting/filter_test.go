package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatrelay/internal/scripting"
)

const censorScript = `
function filter(room, sender, text)
	if string.find(text, "spam", 1, true) then
		return nil
	end
	if room == "shout" then
		return string.upper(text)
	end
	return (string.gsub(text, "darn", "d**n"))
end
`

func TestFilter_PassThroughWithoutScript(t *testing.T) {
	f, err := scripting.NewFilter("", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.Enabled())
	text, ok := f.Apply("lobby", "alice", "alice: hello")
	assert.True(t, ok)
	assert.Equal(t, "alice: hello", text)
}

func TestFilter_NilIsPassThrough(t *testing.T) {
	var f *scripting.Filter
	text, ok := f.Apply("lobby", "alice", "hi")
	assert.True(t, ok)
	assert.Equal(t, "hi", text)
	f.Close()
}

func TestFilter_RewritesAndDrops(t *testing.T) {
	f, err := scripting.NewFilterFromString(censorScript, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()
	require.True(t, f.Enabled())

	text, ok := f.Apply("lobby", "alice", "alice: darn it")
	assert.True(t, ok)
	assert.Equal(t, "alice: d**n it", text)

	text, ok = f.Apply("shout", "bob", "bob: hey")
	assert.True(t, ok)
	assert.Equal(t, "BOB: HEY", text)

	_, ok = f.Apply("lobby", "eve", "eve: buy spam now")
	assert.False(t, ok)
}

func TestFilter_BooleanResults(t *testing.T) {
	f, err := scripting.NewFilterFromString(`
function filter(room, sender, text)
	return sender ~= "muted"
end
`, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	text, ok := f.Apply("lobby", "alice", "alice: hi")
	assert.True(t, ok)
	assert.Equal(t, "alice: hi", text)

	_, ok = f.Apply("lobby", "muted", "muted: hi")
	assert.False(t, ok)
}

func TestFilter_RuntimeErrorPassesThrough(t *testing.T) {
	f, err := scripting.NewFilterFromString(`
function filter(room, sender, text)
	error("broken")
end
`, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	text, ok := f.Apply("lobby", "alice", "alice: hi")
	assert.True(t, ok)
	assert.Equal(t, "alice: hi", text)
}

func TestFilter_RunawayScriptIsCutOffAndRecovers(t *testing.T) {
	f, err := scripting.NewFilterFromString(`
function filter(room, sender, text)
	if text == "loop" then
		while true do end
	end
	return text .. "!"
end
`, 1000, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	text, ok := f.Apply("lobby", "alice", "loop")
	assert.True(t, ok)
	assert.Equal(t, "loop", text)

	text, ok = f.Apply("lobby", "alice", "fine")
	assert.True(t, ok)
	assert.Equal(t, "fine!", text, "the next call gets a fresh instruction budget")
}

func TestFilter_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.lua")
	require.NoError(t, os.WriteFile(path, []byte(censorScript), 0644))

	f, err := scripting.NewFilter(path, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	text, ok := f.Apply("lobby", "alice", "darn")
	assert.True(t, ok)
	assert.Equal(t, "d**n", text)
}

func TestFilter_LoadErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := scripting.NewFilter("/nonexistent/filter.lua", 0, logger)
	assert.Error(t, err)

	_, err = scripting.NewFilterFromString(`this is not lua`, 0, logger)
	assert.Error(t, err)

	_, err = scripting.NewFilterFromString(`x = 1`, 0, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}

func TestFilter_ConcurrentApply(t *testing.T) {
	f, err := scripting.NewFilterFromString(censorScript, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				text, ok := f.Apply("lobby", "alice", "darn")
				assert.True(t, ok)
				assert.Equal(t, "d**n", text)
			}
		}()
	}
	wg.Wait()
}
