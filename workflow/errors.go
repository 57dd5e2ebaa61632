package workflow

import (
	"errors"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/storage"
)

// Standard error definitions
var (
	ErrAlreadyTerminal  = errors.New("instance already finished or deprecated")
	ErrIllegalOperation = errors.New("operation not permitted")
	ErrMissingParameter = errors.New("missing parameter")
	ErrNoExecutableType = errors.New("node designation resolves to no actor")
	ErrNotImplemented   = errors.New("unsupported branch")
)

// rejections are reported to the caller as an unsuccessful Result.
var rejections = []error{
	ErrAlreadyTerminal,
	ErrIllegalOperation,
	ErrMissingParameter,
	ErrNoExecutableType,
	ErrNotImplemented,
	storage.ErrNotFound,
	graph.ErrInvalidFlow,
	graph.ErrNodeNotFound,
	graph.ErrNoNextNode,
	graph.ErrAmbiguousBranch,
	graph.ErrInvalidRejectTarget,
}

// IsRejection reports whether err is a refusal of the request rather than
// a failure of the engine or its storage.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
