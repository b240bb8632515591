package qcore

import "errors"

// Sentinel errors, in the teacher's style (reference_errors.go): plain
// package-level errors.New values, wrapped with %w at the call site rather
// than carried in a custom error type.
var (
	// Schema misuse (spec §7: fatal, surfaced to the caller, no partial effects).
	ErrUnknownFunction      = errors.New("qcore: unknown function")
	ErrJoinWithORM          = errors.New("qcore: join and orm cannot appear in the same query")
	ErrAmbiguousSelection   = errors.New("qcore: at most one of where, range, trie may be set")
	ErrInstanceTableUnsupported = errors.New("qcore: join/orm/trie are not supported against an instance table")
	ErrUnknownTable         = errors.New("qcore: unknown table")
	ErrUnknownColumn        = errors.New("qcore: unknown column")
	ErrSchemaValidation     = errors.New("qcore: row failed schema validation")

	// Reference / ORM integrity.
	ErrUnknownRelationship  = errors.New("qcore: unknown orm relationship")
	ErrRestrictViolation    = errors.New("qcore: delete blocked by restrict on_delete policy")
	ErrInvalidOnDelete      = errors.New("qcore: invalid on_delete policy")

	// Storage adapter passthrough.
	ErrNoAdapter            = errors.New("qcore: no storage adapter bound")

	// Cyclic view projection (spec §9, "Cyclic references").
	ErrCyclicViewProjection = errors.New("qcore: cyclic view projection graph")
)
