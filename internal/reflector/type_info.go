// Package reflector derives default type names for registered payloads.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo holds the names of a reflected type. Pointer types resolve to
// their element type.
type TypeInfo struct {
	Name      string // "pkg/path.TypeName"
	ShortName string // "TypeName"
	Type      reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	ti = TypeInfo{
		Name:      t.PkgPath() + "." + t.Name(),
		ShortName: t.Name(),
		Type:      t,
	}

	muCache.Lock()
	cache[t] = ti
	muCache.Unlock()
	return ti
}
