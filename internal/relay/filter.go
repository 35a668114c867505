package relay

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Filter selects events for a subscription.
// Empty fields match everything; Since and Until are inclusive and zero means unset.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   int64
	Until   int64
	Limit   int

	// Tags maps a single-letter tag name to accepted values, sent as "#<name>".
	Tags map[string][]string
}

// Matches reports whether ev passes the filter. Limit is not considered.
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}

	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}

	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}

	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}

	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}

	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}

		matched := false

		for _, v := range values {
			if ev.Tags.Has(name, v) {
				matched = true
				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// MatchesAny reports whether ev passes at least one filter.
func MatchesAny(filters []Filter, ev *Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}

	return false
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6+len(f.Tags))

	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}

	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}

	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}

	if f.Since > 0 {
		m["since"] = f.Since
	}

	if f.Until > 0 {
		m["until"] = f.Until
	}

	if f.Limit > 0 {
		m["limit"] = f.Limit
	}

	for name, values := range f.Tags {
		m["#"+name] = values
	}

	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse filter: %w", err)
	}

	*f = Filter{}

	for key, value := range raw {
		var err error

		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(value, &f.Since)
		case key == "until":
			err = json.Unmarshal(value, &f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string

			err = json.Unmarshal(value, &values)
			if err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}

				f.Tags[key[1:]] = values
			}
		}

		if err != nil {
			return fmt.Errorf("failed to parse filter field %q: %w", key, err)
		}
	}

	return nil
}
