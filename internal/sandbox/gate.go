package sandbox

import (
	"sort"
	"strings"

	"github.com/dop251/goja"
)

// Builder constructs one vetted capability module for a given runtime. The
// returned object is frozen by the environment before guest code sees it.
type Builder func(vm *goja.Runtime) (*goja.Object, error)

// moduleRegistry is the fixed whitelist: the only module names that can ever
// resolve, regardless of per-sandbox configuration.
var moduleRegistry = map[string]Builder{
	"json":   buildJSONModule,
	"text":   buildTextModule,
	"base64": buildBase64Module,
	"hash":   buildHashModule,
	"stats":  buildStatsModule,
}

// Whitelist returns the fixed module whitelist in sorted order.
func Whitelist() []string {
	names := make([]string, 0, len(moduleRegistry))
	for name := range moduleRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsWhitelisted reports whether a name is on the fixed whitelist.
func IsWhitelisted(name string) bool {
	_, ok := moduleRegistry[name]
	return ok
}

// resolve maps a guest module request to a whitelisted name. It is a pure
// function of the requested name and the allowed set: no filesystem
// resolution happens, so there is no traversal to escape through. Violation
// messages name the blocked class and never echo the requested specifier.
func resolve(requested string, allowed map[string]struct{}) (string, *violation) {
	name := strings.ToLower(strings.TrimSpace(requested))

	if isPathLike(name) {
		return "", &violation{
			class:   violationPath,
			message: "path-like module specifiers are not resolvable",
		}
	}

	_, fixed := moduleRegistry[name]
	if _, ok := allowed[name]; !ok || !fixed {
		return "", &violation{
			class:   violationUnlisted,
			message: "module is not in the capability whitelist",
		}
	}
	return name, nil
}

func isPathLike(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return strings.ContainsAny(name, "/\\:")
}
