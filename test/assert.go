package test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// AssertDeepCopyEqual checks that a and b hold the same values without sharing
// any memory, as frames handed across the link or out of a completion must.
// Only exported fields are compared.
func AssertDeepCopyEqual(t *testing.T, a any, b any) bool {
	t.Helper()
	v1 := reflect.ValueOf(a)
	v2 := reflect.ValueOf(b)

	if !assert.Equal(t, v1.Type(), v2.Type()) {
		return false
	}

	return traverseDeepCopy(t, v1, v2, v1.Type().String())
}

func traverseDeepCopy(t *testing.T, v1 reflect.Value, v2 reflect.Value, name string) bool {
	t.Helper()
	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if !traverseDeepCopy(t, v1.Index(i), v2.Index(i), fmt.Sprintf("%s[%v]", name, i)) {
				return false
			}
		}
		return true

	case reflect.Slice:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}

		if !assert.Equal(t, v1.Len(), v2.Len(), "%s did not have the same length", name) {
			return false
		}

		if v1.Cap() > 0 && v2.Cap() > 0 && overlaps(v1, v2) {
			return assert.Fail(t, "", "%s share some underlying memory", name)
		}

		if v1.Type().Elem().Kind() == reflect.Uint8 {
			return assert.Equal(t, v1.Bytes(), v2.Bytes(), "%s was not equal", name)
		}

		for i := 0; i < v1.Len(); i++ {
			if !traverseDeepCopy(t, v1.Index(i), v2.Index(i), fmt.Sprintf("%s[%v]", name, i)) {
				return false
			}
		}
		return true

	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}
		return traverseDeepCopy(t, v1.Elem(), v2.Elem(), name)

	case reflect.Ptr:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}

		if !assert.NotEqual(t, v1.Pointer(), v2.Pointer(), "%s points to the same memory", name) {
			return false
		}

		return traverseDeepCopy(t, v1.Elem(), v2.Elem(), name)

	case reflect.Struct:
		for i, n := 0, v1.NumField(); i < n; i++ {
			f := v1.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			if !traverseDeepCopy(t, v1.Field(i), v2.Field(i), name+"."+f.Name) {
				return false
			}
		}
		return true

	case reflect.Map:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}

		if !assert.Equal(t, v1.Len(), v2.Len(), "%s are not the same length", name) {
			return false
		}

		if !assert.NotEqual(t, v1.Pointer(), v2.Pointer(), "%s point to the same memory", name) {
			return false
		}

		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !assert.True(t, val2.IsValid(), "%v is missing from %s", k, name) {
				return false
			}

			if !traverseDeepCopy(t, v1.MapIndex(k), val2, fmt.Sprintf("%s[%v]", name, k)) {
				return false
			}
		}
		return true

	default:
		return assert.Equal(t, v1.Interface(), v2.Interface(), "%s was not equal", name)
	}
}

// overlaps reports whether the backing arrays of two slices share any byte.
func overlaps(v1, v2 reflect.Value) bool {
	size := v1.Type().Elem().Size()
	s1, e1 := v1.Pointer(), v1.Pointer()+uintptr(v1.Cap())*size
	s2, e2 := v2.Pointer(), v2.Pointer()+uintptr(v2.Cap())*size
	return s1 < e2 && s2 < e1
}
