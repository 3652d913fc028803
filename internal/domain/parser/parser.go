// Package parser normalizes raw model output into validated decisions.
// Parsers never execute tools or mutate state; a failure is a recoverable
// parse error for the recovery policy to arbitrate.
package parser

import (
	"github.com/Qitor/qitos/internal/domain/entity"
)

// Parser translates one raw model output into a validated Decision.
// Context carries engine-supplied hints (currently the step id).
type Parser interface {
	Parse(raw string, context map[string]any) (*entity.Decision, error)
}
