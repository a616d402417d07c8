package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rahul/datastory/internal/report"
)

// ErrNoOutputs is carried by a degraded outcome when every generation
// attempt failed or was unusable.
var ErrNoOutputs = errors.New("no usable generator outputs")

// Action advances a report snapshot to candidate snapshots at its target
// stage. The set of actions is closed: every variant lives in this package.
type Action interface {
	Name() string
	Target() report.Stage
	Expand(ctx context.Context, parent *report.Report) Outcome
	sealed()
}

// Candidate is one proposed child snapshot.
type Candidate struct {
	Stage    report.Stage
	Report   *report.Report
	Degraded bool
}

type OutcomeKind int

const (
	// Success carries zero or more children built from real outputs.
	Success OutcomeKind = iota
	// Degraded carries exactly one fallback child.
	Degraded
	// Fatal carries no children; the caller should abandon the iteration.
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the result of one Action.Expand call.
type Outcome struct {
	Kind     OutcomeKind
	Children []Candidate
	Err      error
}

func succeed(children []Candidate) Outcome {
	return Outcome{Kind: Success, Children: children}
}

// degrade carries the parent forward unchanged, tagged with the target stage.
func degrade(parent *report.Report, target report.Stage, reason error) Outcome {
	child := parent.Clone()
	child.Stage = target
	return Outcome{
		Kind:     Degraded,
		Children: []Candidate{{Stage: target, Report: child, Degraded: true}},
		Err:      reason,
	}
}

func fatal(err error) Outcome {
	return Outcome{Kind: Fatal, Err: err}
}

// base holds the identity shared by every action variant.
type base struct {
	name   string
	target report.Stage
}

func (b base) Name() string         { return b.name }
func (b base) Target() report.Stage { return b.target }
func (base) sealed()                {}

func (b base) candidate(r *report.Report) Candidate {
	r.Stage = b.target
	return Candidate{Stage: b.target, Report: r}
}
