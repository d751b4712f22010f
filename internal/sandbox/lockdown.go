package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// hardenScript renders the reachable global object graph immutable. The walk
// keys its visited set on object identity (WeakSet when available) because
// the intrinsic graph is cyclic: prototypes reference constructors which
// reference prototypes. Property values are taken from descriptors, never by
// invoking getters, and both string- and symbol-keyed properties are
// enumerated. Iterator prototypes have no own-property path from the global
// object and are seeded into the walk directly.
const hardenScript = `(function(G) {
	'use strict';

	var ThrowingFunction = function() {
		throw new TypeError('code generation from strings is disabled');
	};

	// Neutralize every reachable code-from-string capability before the
	// freeze walk locks the graph in place.
	try { G.eval = undefined; } catch (e) {}
	try { G.Function = ThrowingFunction; } catch (e) {}
	try {
		Object.defineProperty(Object.getPrototypeOf(function() {}), 'constructor', {
			value: ThrowingFunction,
			writable: false,
			configurable: false
		});
	} catch (e) {}
	try {
		var genProto = Object.getPrototypeOf(function*() {});
		Object.defineProperty(genProto, 'constructor', {
			value: ThrowingFunction,
			writable: false,
			configurable: false
		});
	} catch (e) {}
	try {
		var asyncProto = Object.getPrototypeOf(async function() {});
		Object.defineProperty(asyncProto, 'constructor', {
			value: ThrowingFunction,
			writable: false,
			configurable: false
		});
	} catch (e) {}

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

	var stack = [G];
	// Iterator prototypes are reachable only by invoking an iterator
	// factory, never as an own property of anything in the global graph,
	// so the walk must seed them explicitly.
	try { stack.push(Object.getPrototypeOf([][Symbol.iterator]())); } catch (e) {}
	try { stack.push(Object.getPrototypeOf(''[Symbol.iterator]())); } catch (e) {}
	try { stack.push(Object.getPrototypeOf(new Map()[Symbol.iterator]())); } catch (e) {}
	try { stack.push(Object.getPrototypeOf(new Set()[Symbol.iterator]())); } catch (e) {}
	while (stack.length > 0) {
		var obj = stack.pop();
		if (obj === null || (typeof obj !== 'object' && typeof obj !== 'function')) {
			continue;
		}
		if (seen(obj)) {
			continue;
		}

		try { Object.freeze(obj); } catch (e) {}

		var proto = null;
		try { proto = Object.getPrototypeOf(obj); } catch (e) {}
		if (proto) {
			stack.push(proto);
		}

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
})`

// selfTestProbes are run after lockdown; each must evaluate to "blocked".
// They verify the lockdown actually covered the graph instead of trusting
// that it did: an incomplete freeze is a construction-aborting defect.
var selfTestProbes = []struct {
	name   string
	script string
}{
	{
		name: "frozen_prototype_redefinition",
		script: `(function() {
			try {
				Object.defineProperty(Object.prototype, '__probe', { value: 1 });
				return 'escaped';
			} catch (e) { return 'blocked'; }
		})();`,
	},
	{
		name: "frozen_intrinsic_mutation",
		script: `(function() {
			Array.prototype.__probe = 1;
			return Array.prototype.__probe === undefined ? 'blocked' : 'escaped';
		})();`,
	},
	{
		name: "function_constructor",
		script: `(function() {
			try {
				new Function('return 1');
				return 'escaped';
			} catch (e) { return 'blocked'; }
		})();`,
	},
	{
		name: "constructor_chain_traversal",
		script: `(function() {
			try {
				(function() {}).constructor('return 1');
				return 'escaped';
			} catch (e) { return 'blocked'; }
		})();`,
	},
	{
		name: "eval_reachability",
		script: `(function() {
			try {
				return eval('1+1') === 2 ? 'escaped' : 'blocked';
			} catch (e) { return 'blocked'; }
		})();`,
	},
	{
		name: "symbol_keyed_iterator_prototypes",
		script: `(function() {
			var protos = [
				Object.getPrototypeOf([][Symbol.iterator]()),
				Object.getPrototypeOf(''[Symbol.iterator]()),
				Object.getPrototypeOf(new Map()[Symbol.iterator]()),
				Object.getPrototypeOf(new Set()[Symbol.iterator]())
			];
			for (var i = 0; i < protos.length; i++) {
				var p = protos[i];
				try { p.__probe = 1; } catch (e) {}
				if (p.__probe !== undefined) return 'escaped';
				if (!Object.isFrozen(p)) return 'escaped';
			}
			return 'blocked';
		})();`,
	},
	{
		name: "symbol_keyed_method_replacement",
		script: `(function() {
			var orig = Array.prototype[Symbol.iterator];
			try { Array.prototype[Symbol.iterator] = function() {}; } catch (e) {}
			return Array.prototype[Symbol.iterator] === orig ? 'blocked' : 'escaped';
		})();`,
	},
	{
		name: "global_extension",
		script: `(function() {
			var g = (0, function() { return this; })();
			try { g.__probe = 1; } catch (e) {}
			return g.__probe === undefined ? 'blocked' : 'escaped';
		})();`,
	},
	{
		name: "ambient_host_handles",
		script: `(function() {
			var g = (0, function() { return this; })();
			if (typeof g.process !== 'undefined') return 'escaped';
			if (typeof g.module !== 'undefined') return 'escaped';
			if (typeof g.exports !== 'undefined') return 'escaped';
			return 'blocked';
		})();`,
	},
}

// applyLockdown freezes the runtime's reachable graph and verifies the
// result. Must run after every host injection; nothing can be set on the
// runtime afterwards.
func applyLockdown(vm *goja.Runtime) error {
	fnVal, err := vm.RunString(hardenScript)
	if err != nil {
		return fmt.Errorf("%w: harden script: %v", ErrLockdownIncomplete, err)
	}
	harden, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("%w: harden script did not evaluate to a function", ErrLockdownIncomplete)
	}
	if _, err := harden(goja.Undefined(), vm.GlobalObject()); err != nil {
		return fmt.Errorf("%w: harden walk: %v", ErrLockdownIncomplete, err)
	}
	return selfTest(vm)
}

func selfTest(vm *goja.Runtime) error {
	for _, probe := range selfTestProbes {
		val, err := vm.RunString(probe.script)
		if err != nil {
			return fmt.Errorf("%w: probe %s errored: %v", ErrLockdownIncomplete, probe.name, err)
		}
		if val == nil || val.String() != "blocked" {
			return fmt.Errorf("%w: probe %s found a reachable path", ErrLockdownIncomplete, probe.name)
		}
	}
	return nil
}
