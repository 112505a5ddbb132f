package domain

import "fmt"

// Source identifies an electricity-generation technology tracked by the feed.
// The set is closed; values index a Mix.
type Source int

const (
	SourceBioenergies Source = iota
	SourceHydraulique
	SourceDiesel
	SourceCharbon
	SourceTurbinesACombustion
	SourcePhotovoltaique
	SourceEolien
	SourceStockage

	sourceCount
)

// NumSources is the size of the known source set.
const NumSources = int(sourceCount)

// sourceNames are the feed field names, in canonical order.
var sourceNames = [NumSources]string{
	"bioenergies",
	"hydraulique",
	"diesel",
	"charbon",
	"turbines_a_combustion",
	"photovoltaique",
	"eolien",
	"stockage",
}

// Sources returns every known source in canonical order.
func Sources() []Source {
	out := make([]Source, NumSources)
	for i := range out {
		out[i] = Source(i)
	}
	return out
}

// String returns the feed field name of the source.
func (s Source) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("Source(%d)", int(s))
	}
	return sourceNames[s]
}

// IsValid checks if the source is a member of the known set.
func (s Source) IsValid() bool {
	return s >= 0 && s < sourceCount
}

// ParseSource maps a feed field name to a Source.
func ParseSource(name string) (Source, error) {
	for i, n := range sourceNames {
		if n == name {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source %q", name)
}

// MarshalText encodes the source by name.
func (s Source) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid source %d", int(s))
	}
	return []byte(sourceNames[s]), nil
}

// UnmarshalText decodes a source name.
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
