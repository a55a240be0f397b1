package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// globalKey is the reserved key for scripts loaded via LoadGlobal.
// Hooks fall back to this VM when a room has no VM of its own.
const globalKey = "__global__"

// MessageHook is the Lua global called for every outgoing message.
const MessageHook = "on_message"

// vm is one sandboxed LState. An LState is single-threaded, so every call
// holds mu.
type vm struct {
	mu sync.Mutex
	L  *lua.LState
}

// Manager owns one sandboxed VM per scripted room plus an optional global VM,
// and dispatches hooks to them.
//
// Manager is safe for concurrent use. Calls into the same VM are serialized;
// different VMs run concurrently.
type Manager struct {
	mu     sync.RWMutex
	vms    map[string]*vm
	limit  int
	logger *zap.Logger
}

// NewManager creates a Manager.
//
// Precondition: logger must be non-nil; instLimit <= 0 selects DefaultInstructionLimit.
// Postcondition: Returns a non-nil Manager with no VMs.
func NewManager(instLimit int, logger *zap.Logger) *Manager {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	return &Manager{
		vms:    make(map[string]*vm),
		limit:  instLimit,
		logger: logger,
	}
}

// LoadDir loads every *.lua in dir into the global VM and every
// subdirectory dir/<room> into a VM for that room.
//
// Precondition: dir must be a readable directory.
// Postcondition: returns an error naming the first script that failed to load.
func (m *Manager) LoadDir(dir string) error {
	if err := m.LoadGlobal(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		room, err := chat.ParseRoomName(e.Name())
		if err != nil {
			return fmt.Errorf("scripting: room dir %q: %w", e.Name(), err)
		}
		if err := m.LoadRoom(room, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadRoom creates a sandboxed VM for room and executes every *.lua file in
// scriptDir in lexicographic order, replacing any previous VM of the room.
//
// Precondition: scriptDir must be a readable directory.
func (m *Manager) LoadRoom(room chat.RoomName, scriptDir string) error {
	return m.loadInto(string(room), scriptDir)
}

// LoadGlobal creates the global VM used for rooms without scripts of their own.
//
// Precondition: scriptDir must be a readable directory.
func (m *Manager) LoadGlobal(scriptDir string) error {
	return m.loadInto(globalKey, scriptDir)
}

func (m *Manager) loadInto(key, scriptDir string) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q for %q: %w", scriptDir, key, err)
	}
	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	L := NewSandboxedState()
	m.RegisterModules(L, key)
	for _, path := range luaFiles {
		err := runLimited(context.Background(), L, m.limit, func() error { return L.DoFile(path) })
		if err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q for %q: %w", path, key, err)
		}
	}

	m.mu.Lock()
	old := m.vms[key]
	m.vms[key] = &vm{L: L}
	m.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.L.Close()
		old.mu.Unlock()
	}
	m.logger.Info("scripts loaded", zap.String("scope", key), zap.Int("files", len(luaFiles)))
	return nil
}

// lookup returns the VM of room, falling back to the global VM.
func (m *Manager) lookup(room chat.RoomName) *vm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.vms[string(room)]; ok {
		return v
	}
	return m.vms[globalKey]
}

// call invokes hook in room's VM with the arguments built by args. defined
// is false when no VM exists or the hook is not a global there; ok is false
// when the hook raised an error or exceeded the instruction limit.
func (m *Manager) call(ctx context.Context, room chat.RoomName, hook string, args func(L *lua.LState) []lua.LValue) (ret lua.LValue, defined, ok bool) {
	v := m.lookup(room)
	if v == nil {
		return lua.LNil, false, true
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	fn := v.L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, false, true
	}
	err := runLimited(ctx, v.L, m.limit, func() error {
		return v.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args(v.L)...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("room", room.String()),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, true, false
	}
	ret = v.L.Get(-1)
	v.L.Pop(1)
	return ret, true, true
}

// CallHook calls the named Lua global function in room's VM, or the global VM
// if the room has none. Returns LNil if the hook is not defined. Lua runtime
// errors are logged at Warn level and never propagated.
//
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(ctx context.Context, room chat.RoomName, hook string, args ...lua.LValue) lua.LValue {
	ret, _, _ := m.call(ctx, room, hook, func(*lua.LState) []lua.LValue { return args })
	return ret
}

// Filter runs the on_message hook for a message about to be sent.
//
// The hook receives (room, sender, body) where sender is a table with id and
// name fields. A string result replaces the body; true keeps it; nil or false
// rejects the message. A hook that errors, runs out of instructions or
// returns any other type leaves the body unchanged.
//
// Postcondition: a non-nil error wraps chat.ErrMessageRejected.
func (m *Manager) Filter(ctx context.Context, room chat.RoomName, sender chat.Identity, body string) (string, error) {
	ret, defined, ok := m.call(ctx, room, MessageHook, func(L *lua.LState) []lua.LValue {
		who := L.NewTable()
		who.RawSetString("id", lua.LString(sender.ID))
		who.RawSetString("name", lua.LString(sender.DisplayName))
		return []lua.LValue{lua.LString(room), who, lua.LString(body)}
	})
	if !defined || !ok {
		return body, nil
	}
	switch r := ret.(type) {
	case lua.LString:
		return string(r), nil
	case lua.LBool:
		if r {
			return body, nil
		}
	default:
		if ret != lua.LNil {
			m.logger.Warn("scripting: on_message returned unexpected type",
				zap.String("room", room.String()),
				zap.String("type", ret.Type().String()),
			)
			return body, nil
		}
	}
	return "", fmt.Errorf("room %s: %w", room, chat.ErrMessageRejected)
}

// Close releases every VM.
func (m *Manager) Close() {
	m.mu.Lock()
	vms := m.vms
	m.vms = make(map[string]*vm)
	m.mu.Unlock()
	for _, v := range vms {
		v.mu.Lock()
		v.L.Close()
		v.mu.Unlock()
	}
}
