// Package cache implements the shared-RAM model cache: a process-wide,
// content-addressed cache of model weight blobs sharing one bounded
// memory budget, composed into named suites.
//
// Grounded on the budget/locking discipline of staging a file into a
// buffer before acquiring the lock to insert, and on the layered-accounting
// idiom in llm/server_memory.go, generalized from per-layer byte counts to
// per-entry byte counts.
package cache

import (
	"errors"
	"time"
)

// ModelType is the logical type tag of a cached model entry.
type ModelType string

const (
	TypeBase       ModelType = "base"
	TypeRefiner    ModelType = "refiner"
	TypeVAE        ModelType = "vae"
	TypeControlNet ModelType = "controlnet"
	TypeLoRA       ModelType = "lora"
	TypeGeneric    ModelType = "generic"
)

// Format is the detected file format, by extension.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatCkpt        Format = "ckpt"
	FormatPt          Format = "pt"
	FormatONNX        Format = "onnx"
	FormatUnknown     Format = "unknown"
)

// HeuristicClass is the best-effort size-based type guess from the
// Type detection heuristic. It is never authoritative — see
// ModelEntry.Type for the entry's real, caller-assigned type tag.
type HeuristicClass string

const (
	HeuristicBase    HeuristicClass = "base"
	HeuristicGeneric HeuristicClass = "generic"
	HeuristicVAE     HeuristicClass = "vae"
	HeuristicAdapter HeuristicClass = "adapter"
)

// ModelEntry is one cached model weight blob.
type ModelEntry struct {
	ID       string
	Name     string
	Path     string
	Type     ModelType
	ByteSize uint64

	CachedAt time.Time
	LastUsed time.Time
	UseCount uint64

	// ResidentDevices is the set of device ids this model is currently
	// resident on. Mutated only under the Cache's mutex.
	ResidentDevices map[string]struct{}
}

// Resident reports whether the entry is resident on any device.
func (e *ModelEntry) Resident() bool {
	return len(e.ResidentDevices) > 0
}

// snapshot returns a value copy safe to hand to callers outside the lock,
// with its own independent ResidentDevices set.
func (e *ModelEntry) snapshot() *ModelEntry {
	cp := *e
	cp.ResidentDevices = make(map[string]struct{}, len(e.ResidentDevices))
	for id := range e.ResidentDevices {
		cp.ResidentDevices[id] = struct{}{}
	}
	return &cp
}

// Spec describes a model to cache: a content-key derived from its file
// path, optionally overridden by an explicit ID for entries that are
// part of a named suite.
type Spec struct {
	ID   string // optional; derived from Path when empty
	Name string
	Path string
	Type ModelType
}

// LoadReport is returned by LoadToGPU.
type LoadReport struct {
	ModelID  string
	DeviceID string
	ByteSize uint64
}

var (
	ErrFileMissing    = errors.New("cache: model file missing")
	ErrBudgetExceeded = errors.New("cache: budget exceeded")
	ErrNotFound       = errors.New("cache: model not found")
)
