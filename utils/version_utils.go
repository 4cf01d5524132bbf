package utils

import (
	"fmt"
	"strings"
	"time"
)

// NextModelVersion generates a model version in the format vYYYYMMDD-NNN
// where YYYYMMDD is the training day and NNN is a sequential number among the
// versions already registered under the same model name on that day.
func NextModelVersion(existing []string, now time.Time) string {
	prefix := fmt.Sprintf("v%s-", now.Format("20060102"))

	lastSeq := 0
	for _, v := range existing {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		var seq int
		// Versions that do not parse (hand-supplied tags) are ignored
		if _, err := fmt.Sscanf(v, prefix+"%d", &seq); err != nil {
			continue
		}
		if seq > lastSeq {
			lastSeq = seq
		}
	}

	return fmt.Sprintf("%s%03d", prefix, lastSeq+1)
}
