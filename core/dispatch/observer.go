package dispatch

// Observer receives every status event synchronously from the dispatcher
// loop. Implementations must be fast and must not call back into the
// dispatcher.
type Observer interface {
	OnStatus(st Status)
}

// NodeFilter decides whether a worker is eligible for an assignment.
type NodeFilter func(w WorkerInfo) bool

// FilterObserver is an Observer that additionally vetoes workers during
// assignment. All registered filters must accept a worker before a job is
// placed on it.
type FilterObserver interface {
	Observer
	NodeFilter(w WorkerInfo) bool
}

// TagFilter accepts only workers carrying every given tag key/value pair.
func TagFilter(tags map[string]string) NodeFilter {
	return func(w WorkerInfo) bool {
		for k, v := range tags {
			if w.Tags[k] != v {
				return false
			}
		}
		return true
	}
}
