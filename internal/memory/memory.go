// Package memory implements the shared blackboard nodes read from and
// write to, mediated by per-node permission views.
package memory

import (
	"errors"
	"sync"
)

// ErrPermissionDenied is returned when a View is asked to read a key
// outside its read-set or write a key outside its write-set.
var ErrPermissionDenied = errors.New("memory: permission denied")

// SharedMemory is a key->value blackboard for a single run. It is owned
// exclusively by one Executor for the duration of that run; there is no
// concurrent mutation within a run (spec §5).
type SharedMemory struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty SharedMemory.
func New() *SharedMemory {
	return &SharedMemory{data: make(map[string]any)}
}

// Read returns the value for key and whether it was present.
func (m *SharedMemory) Read(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// ReadAll returns a shallow copy of the entire memory map.
func (m *SharedMemory) ReadAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Write sets key to value.
func (m *SharedMemory) Write(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// WithPermissions returns a scoped View allowed to read only readKeys and
// write only writeKeys.
func (m *SharedMemory) WithPermissions(readKeys, writeKeys []string) *View {
	read := make(map[string]bool, len(readKeys))
	for _, k := range readKeys {
		read[k] = true
	}
	write := make(map[string]bool, len(writeKeys))
	for _, k := range writeKeys {
		write[k] = true
	}
	return &View{mem: m, readKeys: read, writeKeys: write}
}

// View is a short-lived, permission-scoped capability over a SharedMemory,
// tied to the NodeSpec that requested it.
type View struct {
	mem       *SharedMemory
	readKeys  map[string]bool
	writeKeys map[string]bool

	// mu guards the accessed-keys audit trail used by the executor to
	// verify that a node only touched keys it declared (spec §8 property 2).
	mu           sync.Mutex
	readAccessed map[string]bool
	writeAccessed map[string]bool
}

// Read returns the value for key if key is in the view's read-set.
func (v *View) Read(key string) (any, error) {
	if !v.readKeys[key] {
		return nil, ErrPermissionDenied
	}
	v.trackRead(key)
	val, _ := v.mem.Read(key)
	return val, nil
}

// ReadAll returns every key the view is permitted to read.
func (v *View) ReadAll() map[string]any {
	out := make(map[string]any, len(v.readKeys))
	for k := range v.readKeys {
		if val, ok := v.mem.Read(k); ok {
			out[k] = val
		}
		v.trackRead(k)
	}
	return out
}

// Write sets key to value if key is in the view's write-set.
func (v *View) Write(key string, value any) error {
	if !v.writeKeys[key] {
		return ErrPermissionDenied
	}
	v.trackWrite(key)
	v.mem.Write(key, value)
	return nil
}

func (v *View) trackRead(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readAccessed == nil {
		v.readAccessed = make(map[string]bool)
	}
	v.readAccessed[key] = true
}

func (v *View) trackWrite(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeAccessed == nil {
		v.writeAccessed = make(map[string]bool)
	}
	v.writeAccessed[key] = true
}

// AccessedKeys returns the keys actually read and written through this
// view so far, for auditing against a NodeSpec's declared input/output
// key sets (spec §8 property 2).
func (v *View) AccessedKeys() (read, written []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.readAccessed {
		read = append(read, k)
	}
	for k := range v.writeAccessed {
		written = append(written, k)
	}
	return read, written
}
