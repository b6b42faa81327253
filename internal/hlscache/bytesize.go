package hlscache

import (
	"strings"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
)

// parseBytes accepts sizes like "200MiB" (base 2) or "512KB" (metric).
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	v, err := units.ParseStrictBytes(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative size")
	}
	return v, nil
}

func formatBytes(b int64) string {
	return units.Base2Bytes(b).String()
}
