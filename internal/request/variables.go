package request

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// Stringifier renders variables into a canonical string: object keys are
// sorted, cycles collapse to null, and pointers to structs (files, readers,
// handles) render as a placeholder that is stable for one instance and
// distinct between instances.
//
// Placeholders are keyed by address and do not keep their instance alive; an
// entry is dropped once the garbage collector reclaims its instance.
type Stringifier struct {
	mu           sync.Mutex
	placeholders map[uintptr]placeholder
	gen          uint64
}

type placeholder struct {
	key string
	gen uint64
}

// release is the cleanup argument for one placeholder.
type release struct {
	addr uintptr
	gen  uint64
}

func NewStringifier() *Stringifier {
	return &Stringifier{placeholders: make(map[uintptr]placeholder)}
}

// Stringify renders v. It never fails.
func (s *Stringifier) Stringify(v any) string {
	var b strings.Builder
	st := &stringifyState{s: s, b: &b, seen: make(map[uintptr]bool)}
	if !st.write(reflect.ValueOf(v)) {
		return "null"
	}
	return b.String()
}

// Forget drops the placeholder assigned to ptr.
func (s *Stringifier) Forget(ptr any) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return
	}
	s.mu.Lock()
	delete(s.placeholders, v.Pointer())
	s.mu.Unlock()
}

func (s *Stringifier) placeholder(ptr unsafe.Pointer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := uintptr(ptr)
	if p, ok := s.placeholders[addr]; ok {
		return p.key
	}
	s.gen++
	p := placeholder{key: strconv.FormatUint(rand.Uint64(), 36), gen: s.gen}
	s.placeholders[addr] = p
	runtime.AddCleanup((*byte)(ptr), s.release, release{addr: addr, gen: p.gen})
	return p.key
}

func (s *Stringifier) release(r release) {
	s.mu.Lock()
	if p, ok := s.placeholders[r.addr]; ok && p.gen == r.gen {
		delete(s.placeholders, r.addr)
	}
	s.mu.Unlock()
}

func (s *Stringifier) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placeholders)
}

var marshalerType = reflect.TypeFor[json.Marshaler]()

type stringifyState struct {
	s    *Stringifier
	b    *strings.Builder
	seen map[uintptr]bool
}

// write renders v and reports whether anything was written. Values JSON
// cannot represent (funcs, channels) write nothing.
func (st *stringifyState) write(v reflect.Value) bool {
	if !v.IsValid() {
		st.b.WriteString("null")
		return true
	}
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			st.b.WriteString("null")
			return true
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	case reflect.Pointer:
		if v.IsNil() {
			st.b.WriteString("null")
			return true
		}
		if v.Elem().Kind() == reflect.Struct && !v.Type().Implements(marshalerType) {
			st.writePlaceholder(v.UnsafePointer())
			return true
		}
		if st.seen[v.Pointer()] {
			st.b.WriteString("null")
			return true
		}
		st.seen[v.Pointer()] = true
		defer delete(st.seen, v.Pointer())
	}

	if v.Type().Implements(marshalerType) {
		return st.writeMarshaled(v.Interface())
	}

	switch v.Kind() {
	case reflect.Pointer:
		return st.write(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			st.b.WriteString("null")
			return true
		}
		if st.seen[v.Pointer()] {
			st.b.WriteString("null")
			return true
		}
		st.seen[v.Pointer()] = true
		defer delete(st.seen, v.Pointer())
		return st.writeMap(v)
	case reflect.Slice:
		if v.IsNil() {
			st.b.WriteString("null")
			return true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return st.writeMarshaled(v.Interface())
		}
		if st.seen[v.Pointer()] {
			st.b.WriteString("null")
			return true
		}
		st.seen[v.Pointer()] = true
		defer delete(st.seen, v.Pointer())
		return st.writeList(v)
	case reflect.Array:
		return st.writeList(v)
	case reflect.Struct:
		return st.writeMarshaled(v.Interface())
	default:
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			st.b.WriteString("null")
			return true
		}
		st.b.Write(raw)
		return true
	}
}

func (st *stringifyState) writePlaceholder(ptr unsafe.Pointer) {
	st.b.WriteString(`{"__key":`)
	st.b.WriteString(quote(st.s.placeholder(ptr)))
	st.b.WriteString("}")
}

// writeMarshaled renders a value through its JSON form so that struct values
// and json.Marshaler implementations get sorted keys too.
func (st *stringifyState) writeMarshaled(v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		st.b.WriteString("null")
		return true
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		st.b.WriteString("null")
		return true
	}
	switch d := decoded.(type) {
	case map[string]any, []any:
		return st.write(reflect.ValueOf(d))
	default:
		st.b.Write(raw)
		return true
	}
}

func (st *stringifyState) writeMap(v reflect.Value) bool {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		for k.Kind() == reflect.Interface && !k.IsNil() {
			k = k.Elem()
		}
		var name string
		if k.Kind() == reflect.String {
			name = k.String()
		} else {
			raw, _ := json.Marshal(k.Interface())
			name = strings.Trim(string(raw), `"`)
		}
		keys = append(keys, name)
		values[name] = iter.Value()
	}
	sort.Strings(keys)

	st.b.WriteString("{")
	first := true
	for _, k := range keys {
		mark := st.b.Len()
		if !first {
			st.b.WriteString(",")
		}
		st.b.WriteString(quote(k))
		st.b.WriteString(":")
		if !st.write(values[k]) {
			truncate(st.b, mark)
			continue
		}
		first = false
	}
	st.b.WriteString("}")
	return true
}

func (st *stringifyState) writeList(v reflect.Value) bool {
	st.b.WriteString("[")
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			st.b.WriteString(",")
		}
		if !st.write(v.Index(i)) {
			st.b.WriteString("null")
		}
	}
	st.b.WriteString("]")
	return true
}

func quote(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func truncate(b *strings.Builder, n int) {
	s := b.String()[:n]
	b.Reset()
	b.WriteString(s)
}
