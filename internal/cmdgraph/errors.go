package cmdgraph

import "errors"

// Construction and update errors.
var (
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrUnknownNode        = errors.New("unknown node")
	ErrInvalidState       = errors.New("invalid graph state")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrKindMismatch       = errors.New("node kind mismatch")
	ErrIncompatibleUpdate = errors.New("incompatible node update")
	ErrForeignHandle      = errors.New("conditional handle belongs to another graph")
	ErrNestingTooDeep     = errors.New("conditional nesting exceeds device limit")
	ErrNestedGraph        = errors.New("operation not allowed on a nested body graph")
	ErrGraphNotEmpty      = errors.New("graph is not empty")
)

// Lifecycle error classes. Errors returned by PrepareFinalization,
// InstantiateGraph and LaunchGraph wrap exactly one of these.
var (
	ErrValidation    = errors.New("graph validation failed")
	ErrInstantiation = errors.New("graph instantiation failed")
	ErrLaunch        = errors.New("graph launch failed")
)

// Backend-reported conditions.
var (
	// ErrResourceExhausted is wrapped by backends when the device runtime runs
	// out of a resource other than memory.
	ErrResourceExhausted = errors.New("device resources exhausted")
	// ErrUnrecoverable is wrapped by backends when an update failed after the
	// native executable was modified; the graph becomes invalid.
	ErrUnrecoverable = errors.New("unrecoverable device error")
)
