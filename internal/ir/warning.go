package ir

import "fmt"

// WarningLevel is a discrete risk tier, recomputed every cycle.
type WarningLevel int

const (
	WarningNone WarningLevel = iota
	WarningLevel1
	WarningLevel2
	WarningLevel3
)

var warningLevelNames = [...]string{"NONE", "LEVEL_1", "LEVEL_2", "LEVEL_3"}

func (l WarningLevel) String() string {
	if l < WarningNone || l > WarningLevel3 {
		return fmt.Sprintf("WarningLevel(%d)", int(l))
	}
	return warningLevelNames[l]
}

// IsTop reports whether l is the highest tier.
func (l WarningLevel) IsTop() bool {
	return l == WarningLevel3
}

// ParseWarningLevel parses the String form.
func ParseWarningLevel(s string) (WarningLevel, error) {
	for i, name := range warningLevelNames {
		if name == s {
			return WarningLevel(i), nil
		}
	}
	return WarningNone, fmt.Errorf("unknown warning level %q", s)
}

func (l WarningLevel) MarshalText() ([]byte, error) {
	if l < WarningNone || l > WarningLevel3 {
		return nil, fmt.Errorf("invalid warning level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *WarningLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseWarningLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
