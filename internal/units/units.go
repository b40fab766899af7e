// Package units parses and formats memory-size strings such as "64K", "1MB",
// "auto" and "inf".
package units

import (
	"errors"
	"fmt"
	"math"
	"strings"

	gounits "github.com/docker/go-units"
)

const (
	// Inf is the value of the "inf" size string.
	Inf uint64 = math.MaxUint64
	// Auto is the value of the "auto" size string.
	Auto uint64 = math.MaxUint64 - 1
)

// ErrInvalid indicates a malformed memory-size string.
var ErrInvalid = errors.New("units: invalid memory size")

// Parse converts s to a byte count. Suffixes are binary (K = 1024).
func Parse(s string) (uint64, error) {
	v := strings.TrimSpace(s)
	switch strings.ToLower(v) {
	case "inf":
		return Inf, nil
	case "auto":
		return Auto, nil
	case "":
		return 0, fmt.Errorf("%w: empty", ErrInvalid)
	}
	n, err := gounits.RAMInBytes(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return uint64(n), nil
}

var suffixes = []string{"", "K", "M", "G", "T"}

// Format renders v using the largest binary suffix that divides it exactly.
func Format(v uint64) string {
	switch v {
	case Inf:
		return "(inf)"
	case Auto:
		return "auto"
	}
	i := 0
	for v >= 1024 && v%1024 == 0 && i < len(suffixes)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%d%s", v, suffixes[i])
}
