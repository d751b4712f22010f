package sandbox

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

// freezeScript deep-freezes one object graph. Used on capability modules,
// which are built before lockdown but live outside the global graph.
const freezeScript = `(function(root) {
	'use strict';
	var visited = typeof WeakSet === 'function' ? new WeakSet() : null;
	var fallback = [];
	function seen(obj) {
		if (visited) {
			if (visited.has(obj)) return true;
			visited.add(obj);
			return false;
		}
		for (var i = 0; i < fallback.length; i++) {
			if (fallback[i] === obj) return true;
		}
		fallback.push(obj);
		return false;
	}
	var stack = [root];
	while (stack.length > 0) {
		var obj = stack.pop();
		if (obj === null || (typeof obj !== 'object' && typeof obj !== 'function')) {
			continue;
		}
		if (seen(obj)) continue;
		try { Object.freeze(obj); } catch (e) {}
		var names = [];
		try { names = Object.getOwnPropertyNames(obj); } catch (e) {}
		try { names = names.concat(Object.getOwnPropertySymbols(obj)); } catch (e) {}
		for (var j = 0; j < names.length; j++) {
			var desc;
			try { desc = Object.getOwnPropertyDescriptor(obj, names[j]); } catch (e) { continue; }
			if (!desc) continue;
			if (desc.value !== undefined) stack.push(desc.value);
			if (desc.get !== undefined) stack.push(desc.get);
			if (desc.set !== undefined) stack.push(desc.set);
		}
	}
	return root;
})`

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reservedGlobals are names the host may not inject: they either carry the
// security surface or are neutralized by lockdown.
var reservedGlobals = map[string]struct{}{
	"require":    {},
	"console":    {},
	"eval":       {},
	"Function":   {},
	"globalThis": {},
	"process":    {},
	"module":     {},
	"exports":    {},
}

// consoleSink receives guest console calls, forwarded across the worker
// boundary instead of touching any host stream.
type consoleSink func(execID id.ExecutionID, level, message string)

// Environment is one frozen goja runtime plus its capability modules.
// Exclusively owned by a single worker; never shared after construction.
type Environment struct {
	vm      *goja.Runtime
	modules map[string]*goja.Object
	allowed map[string]struct{}

	seed *int64
	rng  *rand.Rand

	// currentExec routes console events to the execution in flight. Guarded
	// because the supervisor goroutines race with worker teardown.
	mu          sync.Mutex
	currentExec id.ExecutionID

	// lastViolation records a gate rejection raised during the current
	// execution so the executor can classify the resulting guest exception.
	lastViolation *violation

	sink consoleSink
}

// NewEnvironment builds a locked-down environment for the given policy.
// Construction order matters: inject first, then freeze; the lockdown
// self-test aborts construction if any mutable or code-generating path
// remains reachable.
func NewEnvironment(cfg Config, maxCallStack int, sink consoleSink) (*Environment, error) {
	vm := goja.New()
	if maxCallStack > 0 {
		vm.SetMaxCallStackSize(maxCallStack)
	}

	env := &Environment{
		vm:      vm,
		modules: make(map[string]*goja.Object),
		allowed: make(map[string]struct{}, len(cfg.AllowedModules)),
		seed:    cfg.Seed,
		sink:    sink,
	}
	for _, name := range cfg.AllowedModules {
		env.allowed[name] = struct{}{}
	}

	if cfg.Seed != nil {
		env.rng = rand.New(rand.NewSource(*cfg.Seed))
		vm.SetRandSource(func() float64 { return env.rng.Float64() })
	}

	freezeFn, err := compileFreeze(vm)
	if err != nil {
		return nil, err
	}

	if err := env.buildModules(freezeFn); err != nil {
		return nil, err
	}
	if err := env.setupGlobals(cfg); err != nil {
		return nil, err
	}
	if err := applyLockdown(vm); err != nil {
		return nil, err
	}

	return env, nil
}

func compileFreeze(vm *goja.Runtime) (goja.Callable, error) {
	val, err := vm.RunString(freezeScript)
	if err != nil {
		return nil, fmt.Errorf("%w: freeze script: %v", ErrLockdownIncomplete, err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("%w: freeze script did not evaluate to a function", ErrLockdownIncomplete)
	}
	return fn, nil
}

// buildModules pre-builds and freezes every allowed capability module. The
// gate still validates each guest request; this only amortizes construction.
func (e *Environment) buildModules(freezeFn goja.Callable) error {
	for name := range e.allowed {
		builder, ok := moduleRegistry[name]
		if !ok {
			return configErr("module %q is not on the fixed whitelist", name)
		}
		mod, err := builder(e.vm)
		if err != nil {
			return fmt.Errorf("building module %s: %w", name, err)
		}
		if _, err := freezeFn(goja.Undefined(), mod); err != nil {
			return fmt.Errorf("%w: freezing module %s: %v", ErrLockdownIncomplete, name, err)
		}
		e.modules[name] = mod
	}
	return nil
}

func (e *Environment) setupGlobals(cfg Config) error {
	vm := e.vm

	// Remove Node-flavored ambient handles outright.
	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return err
	}

	if err := vm.Set("require", e.requireFunc()); err != nil {
		return err
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error", "info"} {
		if err := console.Set(level, e.consoleFunc(level)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	for name, value := range cfg.Globals {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("injecting global %s: %w", name, err)
		}
	}
	return nil
}

// requireFunc is the capability gate's guest-facing entry point. Rejections
// surface to guest code as exceptions; the recorded violation lets the
// executor tag the result as a security condition instead of a guest error.
func (e *Environment) requireFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		requested := call.Argument(0).String()

		name, viol := resolve(requested, e.allowed)
		if viol == nil {
			if mod, ok := e.modules[name]; ok {
				return mod
			}
			// Allowed but not pre-built: resolution and construction
			// disagree; fail closed.
			viol = &violation{class: violationUnlisted, message: "module is not in the capability whitelist"}
		}

		e.mu.Lock()
		e.lastViolation = viol
		e.mu.Unlock()
		panic(e.vm.NewTypeError("%s", viol.Error()))
	}
}

func (e *Environment) consoleFunc(level string) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}

		e.mu.Lock()
		execID := e.currentExec
		e.mu.Unlock()

		if e.sink != nil {
			e.sink(execID, level, msg)
		}
		return goja.Undefined()
	}
}

// beginExec marks an execution in flight and, when a seed is configured,
// re-seeds the entropy source so identical code with an identical seed
// yields a byte-identical pseudo-random sequence on every run.
func (e *Environment) beginExec(execID id.ExecutionID) {
	e.mu.Lock()
	e.currentExec = execID
	e.lastViolation = nil
	e.mu.Unlock()

	if e.seed != nil {
		e.rng.Seed(*e.seed)
	}
}

func (e *Environment) endExec() {
	e.mu.Lock()
	e.currentExec = ""
	e.mu.Unlock()
}

// takeViolation returns and clears the violation recorded during the current
// execution, if any.
func (e *Environment) takeViolation() *violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.lastViolation
	e.lastViolation = nil
	return v
}
