// Package bytesize parses and formats byte sizes used for pool capacities
// and replica sizes.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
	PB int64 = 1024 * TB
)

var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var units = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
	"P": PB, "PB": PB, "PI": PB, "PIB": PB,
}

// Parse parses strings like "100MB", "1.5GiB" or "1024" into bytes.
// Units are binary and case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	multiplier, ok := units[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}

	// Plain integers avoid float rounding for exact byte counts.
	if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
		return n * multiplier, nil
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}
	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders bytes with the largest binary unit that keeps the
// value at or above one, e.g. "1.5KiB" or "100MiB". The output parses
// back with Parse, up to rounding to two decimals.
func Format(bytes int64) string {
	if bytes < 0 {
		return "-" + Format(-bytes)
	}
	if bytes < KB {
		return strconv.FormatInt(bytes, 10) + "B"
	}

	unit := 0
	div := KB
	for unit < len(binaryUnits)-1 && bytes >= div*1024 {
		div *= 1024
		unit++
	}
	value := strconv.FormatFloat(float64(bytes)/float64(div), 'f', 2, 64)
	value = strings.TrimRight(strings.TrimRight(value, "0"), ".")
	return value + binaryUnits[unit]
}

var binaryUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB"}

// Size is a byte count that reads from YAML or command line flags as
// either a plain number of bytes or a string with units ("10GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or a string with units (e.g. 10GB)")
	}
	return s.Set(str)
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

// Set implements pflag.Value.
func (s *Size) Set(str string) error {
	bytes, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(bytes)
	return nil
}

// Type implements pflag.Value.
func (s *Size) Type() string {
	return "size"
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
