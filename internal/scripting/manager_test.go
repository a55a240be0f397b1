package scripting_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/scripting"
)

var alice = chat.Identity{ID: "1", DisplayName: "alice"}

func newTestManager(t testing.TB, limit int) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(limit, zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, dir, filename, src string) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0o644))
	return dir
}

func hasLevel(logs *observer.ObservedLogs, level zapcore.Level) bool {
	for _, e := range logs.All() {
		if e.Level == level {
			return true
		}
	}
	return false
}

func TestManager_CallHook(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "", "hooks.lua", `
		function add(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	ret := mgr.CallHook(context.Background(), "general", "add", lua.LNumber(3), lua.LNumber(4))
	assert.Equal(t, lua.LNumber(7), ret)
	assert.Equal(t, lua.LNil, mgr.CallHook(context.Background(), "general", "missing"))
}

func TestManager_Filter_NoScriptsPassesThrough(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	body, err := mgr.Filter(context.Background(), "general", alice, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", body)
}

func TestManager_Filter_RewriteAndReject(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "", "filter.lua", `
		function on_message(room, sender, body)
			if string.find(body, "spam") then
				return nil
			end
			if body == "keep" then
				return true
			end
			return "[" .. room .. "] " .. sender.name .. ": " .. string.upper(body)
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	ctx := context.Background()

	body, err := mgr.Filter(ctx, "general", alice, "hello")
	require.NoError(t, err)
	assert.Equal(t, "[general] alice: HELLO", body)

	body, err = mgr.Filter(ctx, "general", alice, "keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", body)

	_, err = mgr.Filter(ctx, "general", alice, "buy spam now")
	assert.ErrorIs(t, err, chat.ErrMessageRejected)
}

func TestManager_Filter_RuntimeErrorPassesThrough(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, "", "bad.lua", `
		function on_message(room, sender, body)
			error("intentional error")
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	body, err := mgr.Filter(context.Background(), "general", alice, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	assert.True(t, hasLevel(logs, zap.WarnLevel), "expected Warn log for Lua runtime error")
}

func TestManager_Filter_InstructionLimit(t *testing.T) {
	mgr, _ := newTestManager(t, 1000)
	dir := writeTempLua(t, "", "loop.lua", `
		function on_message(room, sender, body)
			while true do end
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	body, err := mgr.Filter(context.Background(), "general", alice, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestManager_LoadDir_RoomOverridesGlobal(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	root := writeTempLua(t, "", "global.lua", `
		function on_message(room, sender, body) return "global:" .. body end
	`)
	writeTempLua(t, filepath.Join(root, "tech"), "tech.lua", `
		function on_message(room, sender, body) return "tech:" .. body end
	`)
	require.NoError(t, mgr.LoadDir(root))

	body, err := mgr.Filter(context.Background(), "tech", alice, "x")
	require.NoError(t, err)
	assert.Equal(t, "tech:x", body)

	body, err = mgr.Filter(context.Background(), "random", alice, "x")
	require.NoError(t, err)
	assert.Equal(t, "global:x", body)
}

func TestManager_LoadRoom_InvalidLua_ReturnsError(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "", "bad.lua", `this is not valid lua @@@@`)
	assert.Error(t, mgr.LoadRoom("general", dir))
	assert.Error(t, mgr.LoadGlobal(filepath.Join(dir, "missing")))
}

func TestManager_LoadRoom_ReplacesPreviousVM(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	first := writeTempLua(t, "", "a.lua", `function on_message(r, s, b) return "one" end`)
	second := writeTempLua(t, "", "a.lua", `function on_message(r, s, b) return "two" end`)
	require.NoError(t, mgr.LoadRoom("general", first))
	require.NoError(t, mgr.LoadRoom("general", second))

	body, err := mgr.Filter(context.Background(), "general", alice, "x")
	require.NoError(t, err)
	assert.Equal(t, "two", body)
}

func TestChatLog_WritesToLogger(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, "", "log.lua", `
		function on_message(room, sender, body)
			chat.log.info("saw " .. body)
			return true
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	_, err := mgr.Filter(context.Background(), "general", alice, "hello")
	require.NoError(t, err)

	entries := logs.FilterMessage("saw hello").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "__global__", entries[0].ContextMap()["script_scope"])
}

func TestManager_Filter_ConcurrentCallsNoRace(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "", "f.lua", `
		function on_message(room, sender, body) return body .. "!" end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := mgr.Filter(context.Background(), "general", alice, "hi")
			assert.NoError(t, err)
			assert.Equal(t, "hi!", body)
		}()
	}
	wg.Wait()
}

// Property: a filter that returns its input unchanged never alters a body.
func TestProperty_IdentityFilterPreservesBody(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "", "id.lua", `
		function on_message(room, sender, body) return body end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.String().Draw(rt, "body")
		out, err := mgr.Filter(context.Background(), "general", alice, in)
		if err != nil {
			rt.Fatalf("filter: %v", err)
		}
		if out != in {
			rt.Fatalf("got %q, want %q", out, in)
		}
	})
}
