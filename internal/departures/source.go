package departures

import "strings"

// Source records which pipeline stage produced a departure row.
type Source int

const (
	SourceUnknown Source = iota
	SourceScheduled
	SourceTripUpdate
	SourceRTAdded
	SourceSyntheticAlert
	SourceSupplement
	SourceOther
)

var sourceNames = map[Source]string{
	SourceScheduled:      "scheduled",
	SourceTripUpdate:     "tripupdate",
	SourceRTAdded:        "rt_added",
	SourceSyntheticAlert: "synthetic_alert",
	SourceSupplement:     "supplement",
	SourceOther:          "other",
}

// ParseSource maps an external source string onto the closed set.
// Anything unrecognised becomes SourceUnknown.
func ParseSource(s string) Source {
	s = strings.ToLower(strings.TrimSpace(s))
	for src, name := range sourceNames {
		if name == s {
			return src
		}
	}
	return SourceUnknown
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText never fails: unknown strings land in SourceUnknown.
func (s *Source) UnmarshalText(b []byte) error {
	*s = ParseSource(string(b))
	return nil
}

// SourceTag is one provenance tag of an audit row.
type SourceTag string

const (
	TagStatic     SourceTag = "static"
	TagTripUpdate SourceTag = "tripupdate"
	TagAlert      SourceTag = "alert"
	TagSynthesis  SourceTag = "synthesis"
)

// Tags returns the provenance tags of the source. Unknown and other
// sources carry no tags.
func (s Source) Tags() []SourceTag {
	switch s {
	case SourceScheduled:
		return []SourceTag{TagStatic}
	case SourceTripUpdate, SourceRTAdded:
		return []SourceTag{TagTripUpdate}
	case SourceSyntheticAlert:
		return []SourceTag{TagAlert, TagSynthesis}
	case SourceSupplement:
		return []SourceTag{TagAlert}
	default:
		return []SourceTag{}
	}
}

// ExistsBecause explains why a row of this source is on the board.
func (s Source) ExistsBecause() string {
	switch s {
	case SourceScheduled:
		return "scheduled"
	case SourceTripUpdate:
		return "realtime_tripupdate_merge"
	case SourceRTAdded:
		return "realtime_added_trip"
	case SourceSyntheticAlert:
		return "injected_replacement"
	case SourceSupplement:
		return "supplement_replacement"
	default:
		return "unknown"
	}
}
