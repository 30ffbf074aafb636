package tx

import (
	"fmt"
	"time"
)

// Propagation decides how a transaction request interacts with an already active one.
type Propagation uint8

const (
	// PropagationRequired joins the current transaction or begins a new one if none exists.
	PropagationRequired Propagation = iota

	// PropagationSupports joins the current transaction or runs non-transactionally.
	PropagationSupports

	// PropagationMandatory joins the current transaction and fails if none exists.
	PropagationMandatory

	// PropagationRequiresNew suspends the current transaction, if any, and begins a new one.
	PropagationRequiresNew

	// PropagationNotSupported suspends the current transaction, if any, and runs non-transactionally.
	PropagationNotSupported

	// PropagationNever runs non-transactionally and fails if a transaction exists.
	PropagationNever

	// PropagationNested runs inside a savepoint of the current transaction,
	// or begins a new one if none exists.
	PropagationNested
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationNever:
		return "NEVER"
	case PropagationNested:
		return "NESTED"
	default:
		return fmt.Sprintf("Propagation(%d)", uint8(p))
	}
}

// Isolation is the isolation level requested from the resource manager.
type Isolation uint8

const (
	// IsolationDefault leaves the resource manager default in place.
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "DEFAULT"
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", uint8(i))
	}
}

// Definition describes a transaction request. It is passed by value and never mutated.
type Definition struct {
	Propagation Propagation
	Isolation   Isolation

	// Timeout bounds the transaction lifetime. Zero means the manager default.
	Timeout time.Duration

	// ReadOnly is a hint for the resource manager and for synchronizations.
	ReadOnly bool

	// Name shows up in logs, spans and the registry.
	Name string
}

// DefaultDefinition returns REQUIRED propagation with default isolation and no timeout.
func DefaultDefinition() Definition {
	return Definition{
		Propagation: PropagationRequired,
		Isolation:   IsolationDefault,
	}
}

// Option customizes a Definition.
type Option func(*Definition)

// NewDefinition builds a Definition from DefaultDefinition and opts.
func NewDefinition(opts ...Option) Definition {
	def := DefaultDefinition()
	for _, o := range opts {
		o(&def)
	}
	return def
}

func WithPropagation(p Propagation) Option {
	return func(d *Definition) { d.Propagation = p }
}

func WithIsolation(i Isolation) Option {
	return func(d *Definition) { d.Isolation = i }
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Definition) { d.Timeout = timeout }
}

func WithReadOnly(readOnly bool) Option {
	return func(d *Definition) { d.ReadOnly = readOnly }
}

func WithName(name string) Option {
	return func(d *Definition) { d.Name = name }
}

func (d Definition) String() string {
	s := d.Propagation.String() + "," + d.Isolation.String()
	if d.Timeout > 0 {
		s += ",timeout_" + d.Timeout.String()
	}
	if d.ReadOnly {
		s += ",readOnly"
	}
	if d.Name != "" {
		s = d.Name + "[" + s + "]"
	}
	return s
}
