package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Version identifies a protocol revision by year and month ("YYYY-MM").
// Revisions are ordered; the distance between two revisions is measured in
// whole months.
type Version struct {
	Year  int
	Month int
}

var versionRe = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// ParseVersion parses a "YYYY-MM" revision string. The month must be in
// [1, 12]. Malformed input yields an INVALID_HANDSHAKE error.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, Errorf(CodeInvalidHandshake, "invalid protocol version %q: want YYYY-MM", s)
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, Errorf(CodeInvalidHandshake, "invalid protocol version %q: %v", s, err)
	}
	month, err := strconv.Atoi(m[2])
	if err != nil {
		return Version{}, Errorf(CodeInvalidHandshake, "invalid protocol version %q: %v", s, err)
	}
	if month < 1 || month > 12 {
		return Version{}, Errorf(CodeInvalidHandshake, "invalid protocol version %q: month out of range", s)
	}
	return Version{Year: year, Month: month}, nil
}

// MustParseVersion is ParseVersion that panics on malformed input. Intended
// for compile-time-constant version lists.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%04d-%02d", v.Year, v.Month)
}

// IsZero reports whether v is the zero value (no version supplied).
func (v Version) IsZero() bool {
	return v.Year == 0 && v.Month == 0
}

func (v Version) index() int {
	return v.Year*12 + (v.Month - 1)
}

// Compare returns -1, 0 or 1 as v is older than, equal to, or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.index() < o.index():
		return -1
	case v.index() > o.index():
		return 1
	default:
		return 0
	}
}

// MonthsApart returns the absolute distance between two revisions in months.
func MonthsApart(a, b Version) int {
	d := a.index() - b.index()
	if d < 0 {
		d = -d
	}
	return d
}

// MarshalJSON encodes the version as its "YYYY-MM" string form.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a "YYYY-MM" string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
