package descriptor

// Op names one asynchronous operation a descriptor can request.
type Op string

// The closed operation vocabulary. Extending the system means adding a new
// tag here and a matching dispatch arm in the runtime resolver.
const (
	OpLoadResource     Op = "load-resource"
	OpGetComponent     Op = "get-component"
	OpGetInstance      Op = "get-instance"
	OpGetProxyInstance Op = "get-proxy-instance"
	OpStartInstance    Op = "start-instance"
	OpGetStore         Op = "get-store"
	OpGetRecord        Op = "get-record"
	OpSetRecord        Op = "set-record"
	OpDeleteRecord     Op = "delete-record"
)

var known = map[Op]bool{
	OpLoadResource:     true,
	OpGetComponent:     true,
	OpGetInstance:      true,
	OpGetProxyInstance: true,
	OpStartInstance:    true,
	OpGetStore:         true,
	OpGetRecord:        true,
	OpSetRecord:        true,
	OpDeleteRecord:     true,
}

// Known reports whether o is part of the operation vocabulary.
func (o Op) Known() bool {
	return known[o]
}

// Descriptor is a tagged tuple identifying an operation and its arguments.
// It is pure data: embedded in configuration trees, recognized by FromValue,
// and dispatched by the runtime resolver.
type Descriptor struct {
	Op   Op
	Args []any
}

// FromValue recognizes a dependency descriptor embedded in configuration
// data: an []any whose first element is a string naming a known operation.
// An unrecognized first element means "not a dependency", never an error.
func FromValue(v any) (Descriptor, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return Descriptor{}, false
	}
	tag, ok := list[0].(string)
	if !ok || !Op(tag).Known() {
		return Descriptor{}, false
	}
	return Descriptor{Op: Op(tag), Args: list[1:]}, true
}

// Arg returns the i-th argument, or nil when fewer arguments were supplied.
func (d Descriptor) Arg(i int) any {
	if i < 0 || i >= len(d.Args) {
		return nil
	}
	return d.Args[i]
}

// StringArg returns the i-th argument as a string when it is one.
func (d Descriptor) StringArg(i int) (string, bool) {
	s, ok := d.Arg(i).(string)
	return s, ok
}

// MapArg returns the i-th argument as a map when it is one.
func (d Descriptor) MapArg(i int) (map[string]any, bool) {
	m, ok := d.Arg(i).(map[string]any)
	return m, ok
}

// Clone returns a descriptor whose arguments are deep copies of the
// original's, so resolution never aliases the caller's configuration data.
func (d Descriptor) Clone() Descriptor {
	args := make([]any, len(d.Args))
	for i, a := range d.Args {
		args[i] = CloneValue(a)
	}
	return Descriptor{Op: d.Op, Args: args}
}
