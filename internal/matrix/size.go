package matrix

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/altcloud/cloud-build/internal/manifest"
)

var sizePattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)([kmg])?$`)

var sizeMultipliers = map[string]float64{
	"":  1,
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
}

// ConvertSize turns a human size like "200k" or "0.1G" into a byte count
// rendered as a decimal string.
func ConvertSize(size string) (string, error) {
	match := sizePattern.FindStringSubmatch(size)
	if match == nil {
		return "", &manifest.ConfigError{Reason: fmt.Sprintf("bad size format %q", size)}
	}

	num, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return "", &manifest.ConfigError{Reason: fmt.Sprintf("bad size format %q", size)}
	}

	suffix := ""
	if match[2] != "" {
		suffix = lower(match[2])
	}

	bytes := math.Round(num * sizeMultipliers[suffix])
	return strconv.FormatInt(int64(bytes), 10), nil
}
