// Package logparse extracts training progress markers from toolkit output.
//
// The toolkit prints free-form text; there is no structured progress protocol.
// ParseLine is a best-effort scraper. In particular the batch pattern matches any
// "<digits>/<digits>" pair after the word "Training", so unrelated numeric text on
// such a line (dates, ratios, "epoch 1/5") can be reported as a batch counter.
package logparse

import (
	"regexp"
	"strconv"
)

var (
	epochPattern = regexp.MustCompile(`Epoch (\d+)/(\d+)`)
	batchPattern = regexp.MustCompile(`Training.*?(\d+)/(\d+)`)
	lossPattern  = regexp.MustCompile(`(?i)loss\s*[=:]\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`)
)

// Counter is a current/total pair such as "2/5".
type Counter struct {
	Current int
	Total   int
}

// Record holds the markers found on one line. Nil fields were not present.
type Record struct {
	Epoch *Counter
	Batch *Counter
	Loss  *float64
}

// Empty reports whether no marker was found.
func (r Record) Empty() bool {
	return r.Epoch == nil && r.Batch == nil && r.Loss == nil
}

// ParseLine scans one line of output. Unmatched text yields an empty Record.
func ParseLine(line string) Record {
	var rec Record

	if m := epochPattern.FindStringSubmatch(line); m != nil {
		rec.Epoch = parseCounter(m[1], m[2])
	}
	if m := batchPattern.FindStringSubmatch(line); m != nil {
		rec.Batch = parseCounter(m[1], m[2])
	}
	if m := lossPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			rec.Loss = &v
		}
	}

	return rec
}

func parseCounter(current, total string) *Counter {
	c, err := strconv.Atoi(current)
	if err != nil {
		return nil
	}
	t, err := strconv.Atoi(total)
	if err != nil {
		return nil
	}
	return &Counter{Current: c, Total: t}
}
