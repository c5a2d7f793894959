// Package store provides keyed access to the named numeric arrays that make
// up acquisition, reconstruction and database files.
//
// The store applies no schema beyond name and element type. Callers are
// expected to validate array lengths against the geometry they describe.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned when a named array is not present in the store
var ErrNotFound = errors.New("array not found")

// ArrayStore is a flat namespace of named one-dimensional arrays
type ArrayStore interface {
	// Has reports whether an array with the given name exists
	Has(name string) bool

	Float32s(name string) ([]float32, error)
	Int32s(name string) ([]int32, error)
	Uint16s(name string) ([]uint16, error)
	Bytes(name string) ([]byte, error)

	PutFloat32s(name string, v []float32) error
	PutInt32s(name string, v []int32) error
	PutUint16s(name string, v []uint16) error
	PutBytes(name string, v []byte) error

	// Close releases any resources held by the store
	Close() error
}

// String reads a text array such as a report
func String(s ArrayStore, name string) (string, error) {
	b, err := s.Bytes(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutString writes a text array
func PutString(s ArrayStore, name, v string) error {
	return s.PutBytes(name, []byte(v))
}

// Strings reads a newline separated list of names
func Strings(s ArrayStore, name string) ([]string, error) {
	text, err := String(s, name)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// PutStrings writes a list of names, newline separated
func PutStrings(s ArrayStore, name string, v []string) error {
	return PutString(s, name, strings.Join(v, "\n"))
}

// Scalar reads a single float value stored as a one-element array
func Scalar(s ArrayStore, name string) (float32, error) {
	v, err := s.Float32s(name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%s: expected 1 element, got %d", name, len(v))
	}
	return v[0], nil
}

// Memory is an in-process ArrayStore. Stored arrays are copied on write, and
// read results alias the stored data, so callers must not modify them.
type Memory struct {
	mu     sync.RWMutex
	arrays map[string]interface{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{arrays: make(map[string]interface{})}
}

func (m *Memory) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.arrays[name]
	return ok
}

// Names returns the names of all stored arrays in no particular order
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.arrays))
	for k := range m.arrays {
		names = append(names, k)
	}
	return names
}

func (m *Memory) get(name string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) Float32s(name string) ([]float32, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	f, ok := v.([]float32)
	if !ok {
		return nil, fmt.Errorf("%s: stored as %T, not []float32", name, v)
	}
	return f, nil
}

func (m *Memory) Int32s(name string) ([]int32, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	i, ok := v.([]int32)
	if !ok {
		return nil, fmt.Errorf("%s: stored as %T, not []int32", name, v)
	}
	return i, nil
}

func (m *Memory) Uint16s(name string) ([]uint16, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	u, ok := v.([]uint16)
	if !ok {
		return nil, fmt.Errorf("%s: stored as %T, not []uint16", name, v)
	}
	return u, nil
}

func (m *Memory) Bytes(name string) ([]byte, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: stored as %T, not []byte", name, v)
	}
	return b, nil
}

func (m *Memory) put(name string, v interface{}) error {
	if name == "" {
		return errors.New("array name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrays[name] = v
	return nil
}

func (m *Memory) PutFloat32s(name string, v []float32) error {
	return m.put(name, append([]float32(nil), v...))
}

func (m *Memory) PutInt32s(name string, v []int32) error {
	return m.put(name, append([]int32(nil), v...))
}

func (m *Memory) PutUint16s(name string, v []uint16) error {
	return m.put(name, append([]uint16(nil), v...))
}

func (m *Memory) PutBytes(name string, v []byte) error {
	return m.put(name, append([]byte(nil), v...))
}

func (m *Memory) Close() error { return nil }
