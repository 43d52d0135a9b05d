package ratelimit

// ConfigureLimits scopes a declared set of limits to their owner and
// validates the result. Limits without an explicit name get the owner label
// for default naming; nil entries are discarded. Every resolved name must be
// unique, otherwise two limits would read and write each other's persisted
// counters. Returns the limits in declaration order.
func ConfigureLimits(owner string, limits []*Limit) ([]*Limit, error) {
	configured := make([]*Limit, 0, len(limits))
	seen := make(map[string]struct{}, len(limits))

	for _, limit := range limits {
		if limit == nil {
			continue
		}
		if err := limit.validate(); err != nil {
			return nil, err
		}
		if limit.nameOverride == "" {
			limit.SetOwnerName(owner)
		}
		name := limit.ResolveName()
		if _, duplicate := seen[name]; duplicate {
			return nil, &DuplicateLimitNameError{Name: name}
		}
		seen[name] = struct{}{}
		configured = append(configured, limit)
	}
	return configured, nil
}
