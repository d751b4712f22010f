package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modulesEnv(t *testing.T) *Environment {
	t.Helper()
	return newTestEnv(t, Config{AllowedModules: Whitelist()}, nil)
}

func runScript(t *testing.T, env *Environment, script string) interface{} {
	t.Helper()
	val, err := env.vm.RunString(script)
	require.NoError(t, err)
	return val.Export()
}

func TestJSONModule(t *testing.T) {
	env := modulesEnv(t)

	assert.Equal(t, `{"a":1,"b":"two"}`,
		runScript(t, env, `require('json').stringify({a: 1, b: 'two'})`))
	assert.EqualValues(t, 7,
		runScript(t, env, `require('json').parse('{"n": 7}').n`))

	_, err := env.vm.RunString(`require('json').parse('{broken')`)
	assert.Error(t, err)
}

func TestTextModule(t *testing.T) {
	env := modulesEnv(t)

	tests := []struct {
		script string
		want   interface{}
	}{
		{`require('text').upper('abc')`, "ABC"},
		{`require('text').lower('ABC')`, "abc"},
		{`require('text').trim('  x  ')`, "x"},
		{`require('text').join(['a', 'b', 'c'], '-')`, "a-b-c"},
		{`require('text').contains('haystack', 'stack')`, true},
		{`require('text').split('a,b', ',').length`, int64(2)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, runScript(t, env, tt.script), tt.script)
	}
}

func TestBase64Module(t *testing.T) {
	env := modulesEnv(t)

	assert.Equal(t, "aGVsbG8=", runScript(t, env, `require('base64').encode('hello')`))
	assert.Equal(t, "hello", runScript(t, env, `require('base64').decode('aGVsbG8=')`))

	_, err := env.vm.RunString(`require('base64').decode('%%%')`)
	assert.Error(t, err)
}

func TestHashModule(t *testing.T) {
	env := modulesEnv(t)

	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		runScript(t, env, `require('hash').sha256('abc')`))
}

func TestStatsModule(t *testing.T) {
	env := modulesEnv(t)

	tests := []struct {
		script string
		want   float64
	}{
		{`require('stats').mean([1, 2, 3])`, 2},
		{`require('stats').sum([1, 2, 3, 4])`, 10},
		{`require('stats').min([5, 1, 9])`, 1},
		{`require('stats').max([5, 1, 9])`, 9},
		{`require('stats').median([3, 1, 2])`, 2},
		{`require('stats').median([4, 1, 3, 2])`, 2.5},
		{`require('stats').stdev([1, 2, 3])`, 1},
	}
	for _, tt := range tests {
		got := runScript(t, env, tt.script)
		assert.InDelta(t, tt.want, got, 1e-9, tt.script)
	}

	_, err := env.vm.RunString(`require('stats').mean([])`)
	assert.Error(t, err)
	_, err = env.vm.RunString(`require('stats').mean(['a'])`)
	assert.Error(t, err)
}
