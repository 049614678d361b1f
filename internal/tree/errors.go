package tree

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Every *Error matches the sentinel for its Code.
var (
	ErrDuplicateEdge    = errors.New("duplicate parent edge")
	ErrNoCollectionRoot = errors.New("tree has no collection root")
	ErrCycle            = errors.New("cycle in parent edges")
)

// ErrorCode categorizes tree errors.
type ErrorCode string

const (
	// ErrCodeDuplicateEdge indicates a child was given a second parent.
	ErrCodeDuplicateEdge ErrorCode = "DUPLICATE_EDGE"

	// ErrCodeNoCollectionRoot indicates a chain ended at a node that is not
	// marked as a collection.
	ErrCodeNoCollectionRoot ErrorCode = "NO_COLLECTION_ROOT"

	// ErrCodeCycle indicates a chain that returns to one of its own nodes.
	ErrCodeCycle ErrorCode = "CYCLE"
)

// Error is a malformed-tree error. All tree errors are fatal for the run:
// they mean the source hierarchy is inconsistent.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Node is the node the error was detected at.
	Node string

	// Chain lists the nodes walked from the starting leaf, when known.
	Chain []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Chain) > 0 {
		return fmt.Sprintf("%s: %s (node=%s, chain=%s)", e.Code, e.Message, e.Node, strings.Join(e.Chain, " -> "))
	}
	return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.Node)
}

// Is matches the sentinel for the error's code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrCodeDuplicateEdge:
		return target == ErrDuplicateEdge
	case ErrCodeNoCollectionRoot:
		return target == ErrNoCollectionRoot
	case ErrCodeCycle:
		return target == ErrCycle
	}
	return false
}

// IsDuplicateEdge returns true if err is a duplicate edge error.
// Uses errors.As to handle wrapped errors.
func IsDuplicateEdge(err error) bool {
	return hasCode(err, ErrCodeDuplicateEdge)
}

// IsNoCollectionRoot returns true if err is an unrooted chain error.
func IsNoCollectionRoot(err error) bool {
	return hasCode(err, ErrCodeNoCollectionRoot)
}

// IsCycle returns true if err is a cycle error.
func IsCycle(err error) bool {
	return hasCode(err, ErrCodeCycle)
}

func hasCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

func newDuplicateEdgeError(child, existing, parent string) *Error {
	return &Error{
		Code:    ErrCodeDuplicateEdge,
		Message: fmt.Sprintf("already recorded parent %q, refusing %q", existing, parent),
		Node:    child,
	}
}

func newNoCollectionRootError(node string, chain []string) *Error {
	return &Error{
		Code:    ErrCodeNoCollectionRoot,
		Message: "found a tree of records with no top-level resource",
		Node:    node,
		Chain:   chain,
	}
}

func newCycleError(node string, chain []string) *Error {
	return &Error{
		Code:    ErrCodeCycle,
		Message: "parent edges loop back on themselves",
		Node:    node,
		Chain:   chain,
	}
}
