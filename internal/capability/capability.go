// Package capability defines the demand/capability predicate used to match
// queued runs to registered runners.
package capability

// Demands is the predicate a run (usually inherited from its agent
// blueprint) places on runners. A nil or empty Demands matches any runner.
type Demands struct {
	// Tags that a runner must advertise for the run to be claimable.
	Tags []string `json:"tags,omitempty" yaml:"tags"`
	// ExecutorType restricts the run to runners with a matching executor.
	ExecutorType string `json:"executor_type,omitempty" yaml:"executor_type"`
}

// Capabilities is what a runner advertises at registration.
type Capabilities struct {
	Tags         []string `json:"tags"`
	ExecutorType string   `json:"executor_type"`
}

// IsEmpty reports whether the demands place no constraint.
func (d *Demands) IsEmpty() bool {
	return d == nil || (len(d.Tags) == 0 && d.ExecutorType == "")
}

// Satisfies reports whether the capabilities meet the demands: every
// demanded tag must be advertised, and the executor type must match when
// one is demanded. Absent demands trivially match.
func Satisfies(caps Capabilities, demands *Demands) bool {
	if demands.IsEmpty() {
		return true
	}

	if demands.ExecutorType != "" && demands.ExecutorType != caps.ExecutorType {
		return false
	}

	if len(demands.Tags) == 0 {
		return true
	}

	advertised := make(map[string]struct{}, len(caps.Tags))
	for _, tag := range caps.Tags {
		advertised[tag] = struct{}{}
	}
	for _, required := range demands.Tags {
		if _, ok := advertised[required]; !ok {
			return false
		}
	}
	return true
}
