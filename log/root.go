package log

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	JitMonitoring       = "jit_mod"       // code cache, hotness, installs
	CompileMonitoring   = "compile_mod"   // compile service and workers
	SmcMonitoring       = "smc_mod"       // guest writes and invalidation
	SimMonitoring       = "sim_mod"       // jitsim execution loop
	StoreMonitoring     = "store_mod"     // persisted runtime state
	TelemetryMonitoring = "telemetry_mod" // event stream client and server
)

var root atomic.Value

func init() {
	root.Store(&logger{inner: slog.New(DiscardHandler())})
}

var levelAliases = map[string]slog.Level{
	"max":          levelMaxVerbosity,
	"maxverbosity": levelMaxVerbosity,
	"trace":        LevelTrace,
	"debug":        LevelDebug,
	"info":         LevelInfo,
	"warn":         LevelWarn,
	"warning":      LevelWarn,
	"error":        LevelError,
	"crit":         LevelCrit,
	"critical":     LevelCrit,
}

func ParseLevel(lvl string) (slog.Level, error) {
	if l, ok := levelAliases[strings.ToLower(strings.TrimSpace(lvl))]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// SetDefault replaces the root logger and makes it the slog default.
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

// moduleSet gates Trace and Debug output per module. Every known module
// starts disabled.
type moduleSet struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

var knownModules = []string{JitMonitoring, CompileMonitoring, SmcMonitoring, SimMonitoring, StoreMonitoring, TelemetryMonitoring}

var modules = newModuleSet(knownModules)

func newModuleSet(names []string) *moduleSet {
	m := &moduleSet{enabled: make(map[string]bool, len(names))}
	for _, n := range names {
		m.enabled[n] = false
	}
	return m
}

func (m *moduleSet) set(name string, on bool) {
	m.mu.Lock()
	m.enabled[name] = on
	m.mu.Unlock()
}

func (m *moduleSet) on(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[name]
}

func (m *moduleSet) active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for n, on := range m.enabled {
		if on {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func EnableModule(module string)  { modules.set(module, true) }
func DisableModule(module string) { modules.set(module, false) }

// EnabledModules lists the modules whose debug output is on, sorted.
func EnabledModules() []string { return modules.active() }

// EnableModules enables a comma separated list of modules. "all" enables
// every known module.
func EnableModules(csv string) {
	for _, m := range strings.Split(csv, ",") {
		switch m = strings.TrimSpace(m); m {
		case "":
		case "all":
			for _, known := range knownModules {
				EnableModule(known)
			}
		default:
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool { return modules.on(module) }

// Trace and Debug are dropped unless their module is enabled. The other
// levels always reach the root logger.

func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, append([]interface{}{"module", module}, ctx...)...)
}

func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelDebug, module, msg, ctx...)
}

func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
