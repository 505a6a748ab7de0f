package event

// Filter selects the events a subscriber receives. A nil Filter matches
// every event. Filters run on the publisher's goroutine and must be cheap
// and non-blocking.
type Filter func(Event) bool

// ByType matches events whose type is one of types.
func ByType(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(e Event) bool { return !f(e) }
}
