// Package payload resolves a job's job_class_string to the code that runs it.
package payload

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Invocation is what a payload receives for one execution.
type Invocation struct {
	JobID       string
	ExecutionID string
	// Args are the job's pub_args.
	Args   []any
	Kwargs map[string]any

	// SetTaskID records the id of an external task the payload launched.
	// It is nil when the caller does not track task ids.
	SetTaskID func(ctx context.Context, taskID string) error
}

// Func runs one execution. The result must be JSON-serializable.
type Func func(ctx context.Context, inv Invocation) (any, error)

type Argument struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Meta describes a payload for API clients.
type Meta struct {
	JobClassString   string     `json:"job_class_string"`
	Notes            string     `json:"notes"`
	Arguments        []Argument `json:"arguments"`
	ExampleArguments string     `json:"example_arguments"`
}

type Payload struct {
	Meta Meta
	Run  Func
}

type Option func(*Payload)

func WithNotes(notes string) Option { return func(p *Payload) { p.Meta.Notes = notes } }

func WithArgument(typ, description string) Option {
	return func(p *Payload) {
		p.Meta.Arguments = append(p.Meta.Arguments, Argument{Type: typ, Description: description})
	}
}

func WithExample(example string) Option {
	return func(p *Payload) { p.Meta.ExampleArguments = example }
}

// ResolutionError means a job_class_string has no registered payload.
type ResolutionError struct {
	JobClassString string
}

func (e *ResolutionError) Error() string {
	return "cannot resolve job class " + strings.TrimSpace(e.JobClassString)
}

func IsResolutionError(err error) bool {
	var e *ResolutionError
	return errors.As(err, &e)
}

type Registry struct {
	mu sync.RWMutex
	m  map[string]Payload
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Payload{}}
}

// Register adds a payload under id. Registering the same id twice is an error.
func (r *Registry) Register(id string, run Func, opts ...Option) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("payload id is empty")
	}
	if run == nil {
		return errors.Newf("payload %s: run func is nil", id)
	}
	p := Payload{Meta: Meta{JobClassString: id, Arguments: []Argument{}}, Run: run}
	for _, o := range opts {
		if o != nil {
			o(&p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[id]; dup {
		return errors.Newf("payload %s already registered", id)
	}
	r.m[id] = p
	return nil
}

func (r *Registry) MustRegister(id string, run Func, opts ...Option) {
	if err := r.Register(id, run, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(id string) (Payload, error) {
	r.mu.RLock()
	p, ok := r.m[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return Payload{}, errors.WithStack(&ResolutionError{JobClassString: id})
	}
	return p, nil
}

// List returns the metadata of every registered payload, sorted by id.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.m))
	for _, p := range r.m {
		out = append(out, p.Meta)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobClassString < out[k].JobClassString })
	return out
}
