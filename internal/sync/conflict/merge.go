package conflict

import "sync"

// MergeSpec declares how the fields of one entity type combine when both
// sides edited concurrently. Fields not listed anywhere defer to the
// most recently modified side.
type MergeSpec struct {
	// Counters are summed, e.g. reference counts.
	Counters []string
	// Maxima take the larger value, e.g. scores or best attempts.
	Maxima []string
	// Sets are array fields merged by union, e.g. tags.
	Sets []string
}

// mergeRegistry maps entity types to their merge specs. Entity types are
// registered explicitly; there is no payload shape sniffing.
type mergeRegistry struct {
	mu    sync.RWMutex
	specs map[string]MergeSpec
}

func newMergeRegistry() *mergeRegistry {
	return &mergeRegistry{specs: make(map[string]MergeSpec)}
}

func (r *mergeRegistry) register(entityType string, spec MergeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[entityType] = spec
}

func (r *mergeRegistry) lookup(entityType string) (MergeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[entityType]
	return spec, ok
}

// merge combines local and remote data field by field. localNewer decides
// the winner for fields with no declared merge semantics.
func (s MergeSpec) merge(local, remote map[string]interface{}, localNewer bool) map[string]interface{} {
	newer, older := remote, local
	if localNewer {
		newer, older = local, remote
	}

	// Start from the newer side so its plain fields win; the older side
	// contributes fields the newer one lacks.
	merged := make(map[string]interface{}, len(newer)+len(older))
	for k, v := range older {
		merged[k] = v
	}
	for k, v := range newer {
		merged[k] = v
	}

	for _, field := range s.Counters {
		lv, lok := toNumber(local[field])
		rv, rok := toNumber(remote[field])
		if lok && rok {
			merged[field] = lv + rv
		}
	}

	for _, field := range s.Maxima {
		lv, lok := toNumber(local[field])
		rv, rok := toNumber(remote[field])
		if lok && rok {
			if lv > rv {
				merged[field] = lv
			} else {
				merged[field] = rv
			}
		}
	}

	for _, field := range s.Sets {
		union := unionValues(local[field], remote[field])
		if union != nil {
			merged[field] = union
		}
	}

	return merged
}

// toNumber coerces the numeric types JSON decoding and stores produce.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// unionValues merges two array values preserving first-seen order:
// local elements first, then remote elements not already present.
func unionValues(local, remote interface{}) []interface{} {
	lv, lok := local.([]interface{})
	rv, rok := remote.([]interface{})
	if !lok && !rok {
		return nil
	}

	seen := make(map[interface{}]bool)
	var union []interface{}
	appendAll := func(vals []interface{}) {
		for _, v := range vals {
			// Unhashable elements (nested maps/slices) are appended
			// without dedup rather than dropped.
			switch v.(type) {
			case map[string]interface{}, []interface{}:
				union = append(union, v)
			default:
				if !seen[v] {
					seen[v] = true
					union = append(union, v)
				}
			}
		}
	}
	appendAll(lv)
	appendAll(rv)
	return union
}
