package ml

import (
	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/dopplererr"
)

// Backend is one compute-device execution target. Grounded on the
// teacher's ml.Backend, narrowed to what a browser-native engine needs
// and stripped of the GGUF/GGML-specific Config()/BackendMemory()
// surface (spec.md carries no on-disk GGUF format; manifest.Manifest
// already owns that role).
type Backend interface {
	Close()
	NewContext() Context
	Device() device.Capabilities
}

var backends = make(map[string]func(device.Capabilities) (Backend, error))

// RegisterBackend registers a backend factory under name, mirroring
// the teacher's ml.RegisterBackend/NewBackend factory pattern.
func RegisterBackend(name string, f func(device.Capabilities) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}
	backends[name] = f
}

// NewBackend constructs the named backend. "cpu" is always available;
// other names are registered by build-tag-gated files that wire real
// GPU backends.
func NewBackend(name string, caps device.Capabilities) (Backend, error) {
	f, ok := backends[name]
	if !ok {
		return nil, dopplererr.New(dopplererr.KindConfig, "unregistered backend").With("name", name)
	}
	return f(caps)
}
