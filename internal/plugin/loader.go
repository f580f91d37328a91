// ============================================================================
// Cuckoo-Mine Plugin Loader
// ============================================================================
//
// Package: internal/plugin
// File: loader.go
// Purpose: Default OpenFunc that loads a solver from a shared object via
// the Go plugin mechanism.
//
// Entry point contract:
//   Every solver binary exports `NewSolver func() plugin.Solver`. The symbol
//   shape is checked before the solver is touched; a binary missing the
//   symbol or exporting the wrong type is a LoadError, not a crash.
//
// ============================================================================

package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// EntrySymbol is the constructor every solver plugin must export.
const EntrySymbol = "NewSolver"

// ErrBadEntryPoint indicates the binary loaded but does not export the
// expected constructor.
var ErrBadEntryPoint = errors.New("plugin entry point missing or wrong type")

// OpenSharedObject loads a solver plugin binary and instantiates a Solver
// from its exported constructor.
func OpenSharedObject(path string) (Solver, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin binary: %w", err)
	}

	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEntryPoint, err)
	}

	ctor, ok := sym.(func() Solver)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %T", ErrBadEntryPoint, EntrySymbol, sym)
	}

	solver := ctor()
	if solver == nil {
		return nil, fmt.Errorf("%w: %s returned nil", ErrBadEntryPoint, EntrySymbol)
	}
	return solver, nil
}
