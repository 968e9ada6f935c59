// Package registry holds the static set of named operations a plan may
// reference.
//
// A Registry is built once at process start with New and is read-only
// afterwards, so it can be shared by concurrent runs without locking. Every
// plan is checked with Validate before anything executes: an unknown name is
// a configuration error, never a runtime step failure.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// Errors for registry operations.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidOperation = errors.New("invalid operation definition")
)

// namePattern excludes '#', which is reserved for repeated-step output keys.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RequestField names a field of the run request an input may be drawn from.
type RequestField string

const (
	RequestText      RequestField = "text"
	RequestStructure RequestField = "structure"
)

// Source is one place an input value may come from: either a field of the
// run request or a payload field of a prior step output.
type Source struct {
	Request RequestField `json:"request,omitempty"`
	Output  string       `json:"output,omitempty"`
}

// FromRequest returns a source reading a run request field.
func FromRequest(f RequestField) Source { return Source{Request: f} }

// FromOutput returns a source reading a payload field from the most recent
// usable step output that carries it.
func FromOutput(field string) Source { return Source{Output: field} }

func (s Source) String() string {
	if s.Output != "" {
		return "output:" + s.Output
	}
	return "request:" + string(s.Request)
}

// Input declares one argument of an operation. Sources are tried in order;
// the first that yields a value wins.
type Input struct {
	Key      string   `json:"key"`
	Required bool     `json:"required"`
	Sources  []Source `json:"sources"`
}

// Args are the assembled inputs passed to an operation.
type Args map[string]any

// String returns the argument as a string, or "" if absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Result is an operation's payload. A false Success with an ErrorCategory is
// a recoverable failure: it is stored and flagged, and the run continues.
type Result struct {
	Success       bool           `json:"success"`
	ErrorCategory string         `json:"error_category,omitempty"`
	Error         string         `json:"error,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Flagged builds a recoverable failure result.
func Flagged(category, msg string, data map[string]any) Result {
	return Result{Success: false, ErrorCategory: category, Error: msg, Data: data}
}

// Func executes an operation. A returned error is a fatal step failure; an
// operation-internal problem should be reported as a Flagged result instead.
type Func func(ctx context.Context, args Args) (Result, error)

// Operation is a registered, named unit of work.
type Operation struct {
	Name        string
	Description string
	Inputs      []Input
	// Outputs lists the payload fields a successful run produces.
	Outputs []string
	// Idempotent operations produce the same result for the same inputs.
	Idempotent bool
	// Retryable operations may be re-invoked after a fatal error.
	Retryable bool
	// Timeout overrides the executor's per-step timeout when non-zero.
	Timeout time.Duration
	Run     Func
}

// Produces reports whether the operation declares the payload field.
func (o Operation) Produces(field string) bool {
	return slices.Contains(o.Outputs, field)
}

func (o Operation) validate() error {
	if !namePattern.MatchString(o.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidOperation, o.Name, namePattern)
	}
	if o.Run == nil {
		return fmt.Errorf("%w: %s has no Run function", ErrInvalidOperation, o.Name)
	}
	if o.Retryable && !o.Idempotent {
		return fmt.Errorf("%w: %s is retryable but not idempotent", ErrInvalidOperation, o.Name)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: %s has negative timeout", ErrInvalidOperation, o.Name)
	}
	seen := make(map[string]bool, len(o.Inputs))
	for _, in := range o.Inputs {
		if in.Key == "" {
			return fmt.Errorf("%w: %s declares an input without a key", ErrInvalidOperation, o.Name)
		}
		if seen[in.Key] {
			return fmt.Errorf("%w: %s declares input %q twice", ErrInvalidOperation, o.Name, in.Key)
		}
		seen[in.Key] = true
		if len(in.Sources) == 0 {
			return fmt.Errorf("%w: %s input %q has no sources", ErrInvalidOperation, o.Name, in.Key)
		}
		for _, src := range in.Sources {
			if (src.Output == "") == (src.Request == "") {
				return fmt.Errorf("%w: %s input %q has an ambiguous source", ErrInvalidOperation, o.Name, in.Key)
			}
		}
	}
	return nil
}

func (o Operation) clone() Operation {
	c := o
	c.Outputs = slices.Clone(o.Outputs)
	c.Inputs = make([]Input, len(o.Inputs))
	for i, in := range o.Inputs {
		in.Sources = slices.Clone(in.Sources)
		c.Inputs[i] = in
	}
	return c
}

// UnknownOperationError lists every plan entry absent from the registry.
type UnknownOperationError struct {
	Names []string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownOperation, strings.Join(e.Names, ", "))
}

// Is makes errors.Is(err, ErrUnknownOperation) match.
func (e *UnknownOperationError) Is(target error) bool {
	return target == ErrUnknownOperation
}

// Registry maps operation names to operations.
type Registry struct {
	ops   map[string]Operation
	names []string
}

// New validates and registers ops. The returned registry cannot be modified.
func New(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, fmt.Errorf("%w: %s registered twice", ErrInvalidOperation, op.Name)
		}
		r.ops[op.Name] = op.clone()
		r.names = append(r.names, op.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve returns the named operation.
func (r *Registry) Resolve(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, &UnknownOperationError{Names: []string{name}}
	}
	return op.clone(), nil
}

// Validate checks every name in plan resolves, reporting all unknown names
// at once.
func (r *Registry) Validate(plan []string) error {
	var unknown []string
	for _, name := range plan {
		if _, ok := r.ops[name]; !ok && !slices.Contains(unknown, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownOperationError{Names: unknown}
	}
	return nil
}

// Names returns registered operation names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(r.ops)
}

// Descriptor is the serializable contract of an operation.
type Descriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Inputs      []Input       `json:"inputs"`
	Outputs     []string      `json:"outputs"`
	Idempotent  bool          `json:"idempotent"`
	Retryable   bool          `json:"retryable"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Describe returns every operation's contract, sorted by name.
func (r *Registry) Describe() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		op := r.ops[name].clone()
		out = append(out, Descriptor{
			Name:        op.Name,
			Description: op.Description,
			Inputs:      op.Inputs,
			Outputs:     op.Outputs,
			Idempotent:  op.Idempotent,
			Retryable:   op.Retryable,
			Timeout:     op.Timeout,
		})
	}
	return out
}
