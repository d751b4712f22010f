package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

func newTestEnv(t *testing.T, cfg Config, sink consoleSink) *Environment {
	t.Helper()
	env, err := NewEnvironment(cfg, 2048, sink)
	require.NoError(t, err)
	return env
}

func TestLockdownSurvivesSelfTest(t *testing.T) {
	// Construction runs the probe set; a reachable escape path aborts here.
	newTestEnv(t, Config{}, nil)
}

func TestFrozenIntrinsics(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			"prototype mutation fails silently",
			`(function() {
				Array.prototype.extra = 1;
				return Array.prototype.extra === undefined ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"builtin method replacement fails",
			`(function() {
				var orig = String.prototype.toUpperCase;
				String.prototype.toUpperCase = function() { return 'pwn'; };
				return String.prototype.toUpperCase === orig ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"Math object is frozen",
			`(function() {
				Math.floor = null;
				return typeof Math.floor === 'function' ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"array iterator prototype is frozen",
			`(function() {
				var p = Object.getPrototypeOf([][Symbol.iterator]());
				p.leak = 1;
				return p.leak === undefined && Object.isFrozen(p) ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"string iterator prototype is frozen",
			`(function() {
				var p = Object.getPrototypeOf(''[Symbol.iterator]());
				p.leak = 1;
				return p.leak === undefined && Object.isFrozen(p) ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"map iterator prototype is frozen",
			`(function() {
				var p = Object.getPrototypeOf(new Map()[Symbol.iterator]());
				p.leak = 1;
				return p.leak === undefined && Object.isFrozen(p) ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"symbol-keyed method replacement fails",
			`(function() {
				var orig = Array.prototype[Symbol.iterator];
				Array.prototype[Symbol.iterator] = null;
				return Array.prototype[Symbol.iterator] === orig ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
		{
			"global object rejects new bindings",
			`(function() {
				var g = (0, function() { return this; })();
				try { g.leaked = 1; } catch (e) {}
				return g.leaked === undefined ? 'blocked' : 'escaped';
			})()`,
			"blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := env.vm.RunString(tt.script)
			require.NoError(t, err)
			assert.Equal(t, tt.want, val.String())
		})
	}
}

func TestCodeGenerationDisabled(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	for _, script := range []string{
		`new Function('return 1')()`,
		`(function() {}).constructor('return 1')()`,
		`eval('1+1')`,
	} {
		_, err := env.vm.RunString(script)
		assert.Error(t, err, "script %q should not run", script)
	}
}

func TestEnvironmentsAreIsolated(t *testing.T) {
	a := newTestEnv(t, Config{}, nil)
	b := newTestEnv(t, Config{}, nil)

	_, err := a.vm.RunString(`(function() { Array.prototype.extra = 1; })()`)
	require.NoError(t, err)

	for name, env := range map[string]*Environment{"mutated": a, "sibling": b} {
		val, err := env.vm.RunString(`Array.prototype.extra === undefined`)
		require.NoError(t, err)
		assert.Equal(t, true, val.Export(), "environment %s", name)
	}
}

func TestGlobalsInjectedAndFrozen(t *testing.T) {
	env := newTestEnv(t, Config{
		Globals: map[string]interface{}{"limit": 42, "tag": "batch-7"},
	}, nil)

	val, err := env.vm.RunString(`limit`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), val.Export())

	// Reassignment of a frozen global binding fails silently in sloppy mode.
	val, err = env.vm.RunString(`(function() { tag = 'other'; return tag; })()`)
	require.NoError(t, err)
	assert.Equal(t, "batch-7", val.Export())
}

func TestRequireAllowedModule(t *testing.T) {
	env := newTestEnv(t, Config{AllowedModules: []string{"json"}}, nil)

	val, err := env.vm.RunString(`typeof require('json').parse`)
	require.NoError(t, err)
	assert.Equal(t, "function", val.Export())
}

func TestRequireModuleIsFrozen(t *testing.T) {
	env := newTestEnv(t, Config{AllowedModules: []string{"json"}}, nil)

	val, err := env.vm.RunString(`(function() {
		var j = require('json');
		try { j.parse = null; } catch (e) {}
		try { j.extra = 1; } catch (e) {}
		return typeof j.parse === 'function' && j.extra === undefined;
	})()`)
	require.NoError(t, err)
	assert.Equal(t, true, val.Export())
}

func TestRequireRejections(t *testing.T) {
	env := newTestEnv(t, Config{AllowedModules: []string{"json"}}, nil)

	tests := []struct {
		name      string
		script    string
		wantClass string
	}{
		{"unlisted module", `require('fs')`, violationUnlisted},
		{"whitelisted but not allowed", `require('stats')`, violationUnlisted},
		{"relative path", `require('./json')`, violationPath},
		{"parent traversal", `require('../../etc/passwd')`, violationPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.vm.RunString(tt.script)
			require.Error(t, err)

			viol := env.takeViolation()
			require.NotNil(t, viol)
			assert.Equal(t, tt.wantClass, viol.class)
			assert.Nil(t, env.takeViolation(), "violation must be consumed")
		})
	}
}

func TestConsoleForwardsToSink(t *testing.T) {
	type captured struct {
		execID  id.ExecutionID
		level   string
		message string
	}
	var got []captured
	sink := func(execID id.ExecutionID, level, message string) {
		got = append(got, captured{execID, level, message})
	}

	env := newTestEnv(t, Config{}, sink)
	env.beginExec("exec_test")
	defer env.endExec()

	_, err := env.vm.RunString(`console.log('hello', 'world'); console.warn(42);`)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, captured{"exec_test", "log", "hello world"}, got[0])
	assert.Equal(t, captured{"exec_test", "warn", "42"}, got[1])
}

func TestSeededRandomIsDeterministic(t *testing.T) {
	seed := int64(1234)
	script := `(function() {
		var out = '';
		for (var i = 0; i < 8; i++) {
			out += Math.random().toFixed(12) + ';';
		}
		return out;
	})()`

	sequence := func(env *Environment) string {
		env.beginExec("exec_seed")
		defer env.endExec()
		val, err := env.vm.RunString(script)
		require.NoError(t, err)
		return val.String()
	}

	a := newTestEnv(t, Config{Seed: &seed}, nil)
	b := newTestEnv(t, Config{Seed: &seed}, nil)
	first := sequence(a)
	assert.Equal(t, first, sequence(b), "same seed, different environments")

	// beginExec re-seeds, so the same environment repeats its sequence.
	assert.Equal(t, first, sequence(a), "same environment, second run")

	other := int64(99)
	c := newTestEnv(t, Config{Seed: &other}, nil)
	assert.NotEqual(t, first, sequence(c), "different seed")
}
