package sandbox

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/GriffinCanCode/scriptbox/internal/shared/hash"
)

// Capability modules are read-only standard-library surfaces. Builders run
// host-side code only: nothing in a module closes over mutable host state,
// and every value crossing into the VM is a plain copy.

func buildJSONModule(vm *goja.Runtime) (*goja.Object, error) {
	mod := vm.NewObject()

	if err := mod.Set("parse", func(call goja.FunctionCall) goja.Value {
		var parsed interface{}
		if err := sonic.ConfigStd.Unmarshal([]byte(argString(call, 0)), &parsed); err != nil {
			panic(vm.NewTypeError("json.parse: malformed input"))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return nil, err
	}

	if err := mod.Set("stringify", func(call goja.FunctionCall) goja.Value {
		exported := call.Argument(0).Export()
		data, err := sonic.ConfigStd.Marshal(exported)
		if err != nil {
			panic(vm.NewTypeError("json.stringify: value is not serializable"))
		}
		return vm.ToValue(string(data))
	}); err != nil {
		return nil, err
	}

	return mod, nil
}

func buildTextModule(vm *goja.Runtime) (*goja.Object, error) {
	mod := vm.NewObject()

	funcs := map[string]func(call goja.FunctionCall) goja.Value{
		"upper": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToUpper(argString(call, 0)))
		},
		"lower": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToLower(argString(call, 0)))
		},
		"trim": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.TrimSpace(argString(call, 0)))
		},
		"split": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.Split(argString(call, 0), argString(call, 1)))
		},
		"join": func(call goja.FunctionCall) goja.Value {
			parts, ok := call.Argument(0).Export().([]interface{})
			if !ok {
				panic(vm.NewTypeError("text.join: first argument must be an array"))
			}
			strs := make([]string, len(parts))
			for i, p := range parts {
				strs[i] = fmt.Sprint(p)
			}
			return vm.ToValue(strings.Join(strs, argString(call, 1)))
		},
		"contains": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.Contains(argString(call, 0), argString(call, 1)))
		},
	}

	for name, fn := range funcs {
		if err := mod.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

func buildBase64Module(vm *goja.Runtime) (*goja.Object, error) {
	mod := vm.NewObject()

	if err := mod.Set("encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(argString(call, 0))))
	}); err != nil {
		return nil, err
	}

	if err := mod.Set("decode", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(argString(call, 0))
		if err != nil {
			panic(vm.NewTypeError("base64.decode: malformed input"))
		}
		return vm.ToValue(string(decoded))
	}); err != nil {
		return nil, err
	}

	return mod, nil
}

func buildHashModule(vm *goja.Runtime) (*goja.Object, error) {
	mod := vm.NewObject()

	if err := mod.Set("sha256", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hash.ContentString(argString(call, 0)))
	}); err != nil {
		return nil, err
	}

	return mod, nil
}

func buildStatsModule(vm *goja.Runtime) (*goja.Object, error) {
	mod := vm.NewObject()

	unary := map[string]func(xs []float64) float64{
		"mean": func(xs []float64) float64 { return stat.Mean(xs, nil) },
		"stdev": func(xs []float64) float64 {
			return stat.StdDev(xs, nil)
		},
		"min": floats.Min,
		"max": floats.Max,
		"sum": floats.Sum,
		"median": func(xs []float64) float64 {
			sorted := make([]float64, len(xs))
			copy(sorted, xs)
			sort.Float64s(sorted)
			mid := len(sorted) / 2
			if len(sorted)%2 == 0 {
				return (sorted[mid-1] + sorted[mid]) / 2
			}
			return sorted[mid]
		},
	}

	for name, fn := range unary {
		fn := fn
		op := name
		if err := mod.Set(name, func(call goja.FunctionCall) goja.Value {
			xs := argFloats(vm, call, op)
			return vm.ToValue(fn(xs))
		}); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

func argString(call goja.FunctionCall, i int) string {
	return call.Argument(i).String()
}

func argFloats(vm *goja.Runtime, call goja.FunctionCall, op string) []float64 {
	raw, ok := call.Argument(0).Export().([]interface{})
	if !ok || len(raw) == 0 {
		panic(vm.NewTypeError("stats." + op + ": argument must be a non-empty array of numbers"))
	}
	xs := make([]float64, len(raw))
	for i, v := range raw {
		switch n := v.(type) {
		case float64:
			xs[i] = n
		case int64:
			xs[i] = float64(n)
		default:
			panic(vm.NewTypeError("stats." + op + ": argument must be a non-empty array of numbers"))
		}
	}
	return xs
}
