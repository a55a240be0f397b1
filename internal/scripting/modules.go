package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the chat.* Lua table into L. scope names the VM
// in log entries written by scripts.
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: chat global is defined in L with a log sub-table.
func (m *Manager) RegisterModules(L *lua.LState, scope string) {
	chatTbl := L.NewTable()
	logTbl := L.NewTable()
	logger := m.logger.With(zap.String("script_scope", scope))

	levels := map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	for name, fn := range levels {
		write := fn
		L.SetField(logTbl, name, L.NewFunction(func(L *lua.LState) int {
			write(L.CheckString(1))
			return 0
		}))
	}
	L.SetField(chatTbl, "log", logTbl)
	L.SetGlobal("chat", chatTbl)
}
