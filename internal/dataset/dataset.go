// Package dataset checks chat-format JSONL training files before a run.
//
// Each non-blank line is either an array of {"role","content"} messages or an
// object wrapping that array under "messages". Roles are system, user and
// assistant.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidDataset wraps every structural problem reported by Validate.
var ErrInvalidDataset = errors.New("invalid dataset")

// strictLines is how many leading lines abort validation on the first problem.
// Problems after that are counted as invalid samples.
const strictLines = 5

const maxLineBytes = 64 << 20

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stats summarizes a dataset file.
type Stats struct {
	TotalLines     int      `json:"totalLines"`
	ValidSamples   int      `json:"validSamples"`
	InvalidSamples int      `json:"invalidSamples"`
	SystemMessages int      `json:"systemMessages"`
	MultiTurn      int      `json:"multiTurn"`
	AverageTokens  int      `json:"averageTokens"`
	Roles          []string `json:"roles"`
}

// Sample is one previewed line.
type Sample struct {
	Line      int       `json:"line"`
	Messages  []Message `json:"messages"`
	Formatted string    `json:"formatted"`
}

// Validate reads a JSONL dataset and returns its statistics. The error wraps
// ErrInvalidDataset for format problems; stats gathered so far are returned
// alongside it.
func Validate(path string) (Stats, error) {
	var stats Stats
	if path == "" {
		return stats, fmt.Errorf("%w: file path is empty", ErrInvalidDataset)
	}
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return stats, fmt.Errorf("%w: file must have .jsonl extension", ErrInvalidDataset)
	}

	f, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer f.Close()

	roles := map[string]bool{}
	var totalTokens float64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		stats.TotalLines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msgs, err := parseSample(line)
		if err != nil {
			stats.InvalidSamples++
			if stats.TotalLines <= strictLines {
				return stats, fmt.Errorf("%w: line %d: %v", ErrInvalidDataset, stats.TotalLines, err)
			}
			continue
		}

		stats.ValidSamples++
		turns := 0
		hasSystem := false
		for _, m := range msgs {
			roles[m.Role] = true
			switch m.Role {
			case "system":
				hasSystem = true
			default:
				turns++
			}
			totalTokens += EstimateTokens(m.Content)
		}
		if hasSystem {
			stats.SystemMessages++
		}
		if turns > 2 {
			stats.MultiTurn++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	for role := range roles {
		stats.Roles = append(stats.Roles, role)
	}
	sort.Strings(stats.Roles)

	if stats.TotalLines == 0 {
		return stats, fmt.Errorf("%w: file is empty", ErrInvalidDataset)
	}
	if stats.ValidSamples == 0 {
		return stats, fmt.Errorf("%w: no valid samples found", ErrInvalidDataset)
	}
	stats.AverageTokens = int(totalTokens / float64(stats.ValidSamples))
	return stats, nil
}

// Preview returns up to n parseable samples from the start of the file.
// Lines that do not parse are skipped.
func Preview(path string, n int) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for len(samples) < n && scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msgs, err := parseSample(line)
		if err != nil {
			continue
		}
		samples = append(samples, Sample{Line: lineNo, Messages: msgs, Formatted: Format(msgs)})
	}
	return samples, scanner.Err()
}

// EstimateTokens approximates a token count as 1.3 tokens per word.
func EstimateTokens(content string) float64 {
	return float64(len(strings.Fields(content))) * 1.3
}

// Format renders messages on one line for display, truncating long content.
func Format(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if utf8.RuneCountInString(content) > 100 {
			content = string([]rune(content)[:97]) + "..."
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), content))
	}
	return strings.Join(parts, " → ")
}

func parseSample(line []byte) ([]Message, error) {
	if line[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
		inner, ok := wrapped["messages"]
		if !ok {
			return nil, errors.New("expected list format, got object")
		}
		line = bytes.TrimSpace(inner)
		if len(line) == 0 {
			return nil, errors.New("expected list format")
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(line, &items); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
		return nil, errors.New("expected list format")
	}

	msgs := make([]Message, 0, len(items))
	for i, raw := range items {
		var item map[string]json.RawMessage
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("item %d: expected object", i)
		}
		rawRole, hasRole := item["role"]
		rawContent, hasContent := item["content"]
		if !hasRole || !hasContent {
			return nil, fmt.Errorf("item %d: missing 'role' or 'content' field", i)
		}
		var m Message
		if err := json.Unmarshal(rawRole, &m.Role); err != nil {
			return nil, fmt.Errorf("item %d: role must be a string", i)
		}
		if err := json.Unmarshal(rawContent, &m.Content); err != nil {
			return nil, fmt.Errorf("item %d: content must be a string", i)
		}
		if !validRoles[m.Role] {
			return nil, fmt.Errorf("item %d: invalid role %q, must be one of system, user, assistant", i, m.Role)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
