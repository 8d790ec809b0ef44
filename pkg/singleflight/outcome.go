package singleflight

// Kind identifies a terminal event.
type Kind int

const (
	// KindValue carries a value.
	KindValue Kind = iota + 1

	// KindFailure carries an error.
	KindFailure

	// KindCompleted is a completion without a value.
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindFailure:
		return "failure"
	case KindCompleted:
		return "completed"
	default:
		return "empty"
	}
}

// Outcome is the terminal payload of a Cell.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Value returns a value outcome.
func Value[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindValue, Value: v}
}

// Failure returns a failure outcome.
func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindFailure, Err: err}
}

// Completed returns a completion outcome with no value.
func Completed[T any]() Outcome[T] {
	return Outcome[T]{Kind: KindCompleted}
}

// Result unpacks the outcome. A completion yields the zero value and nil error.
func (o Outcome[T]) Result() (T, error) {
	return o.Value, o.Err
}
