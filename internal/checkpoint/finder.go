// Package checkpoint locates toolkit checkpoint files named <kind>-<tag>.pt.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"afm-trainer/internal/domain"
)

// Finder scans an output directory for checkpoints.
type Finder struct {
	readDir func(name string) ([]os.DirEntry, error)
}

// NewFinder constructs a finder backed by the OS filesystem.
func NewFinder() *Finder {
	return &Finder{readDir: os.ReadDir}
}

// NewFinderForTests constructs a finder with an injectable directory reader.
func NewFinderForTests(readDir func(name string) ([]os.DirEntry, error)) *Finder {
	return &Finder{readDir: readDir}
}

// Parse interprets a file name as a checkpoint of the given kind.
func Parse(name string, kind domain.CheckpointKind) (tag string, ok bool) {
	prefix := string(kind) + "-"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, domain.CheckpointExt) {
		return "", false
	}
	tag = strings.TrimSuffix(strings.TrimPrefix(name, prefix), domain.CheckpointExt)
	if tag == "" {
		return "", false
	}
	return tag, true
}

// Classify returns the kind and tag of a checkpoint file name.
func Classify(name string) (domain.CheckpointKind, string, bool) {
	for _, kind := range []domain.CheckpointKind{domain.CheckpointDraftModel, domain.CheckpointAdapter} {
		if tag, ok := Parse(name, kind); ok {
			return kind, tag, true
		}
	}
	return "", "", false
}

// List returns all checkpoints of kind in dir, oldest first.
func (f *Finder) List(dir string, kind domain.CheckpointKind) ([]domain.Checkpoint, error) {
	entries, err := f.readDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir %s: %w", dir, err)
	}

	out := make([]domain.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		tag, ok := Parse(entry.Name(), kind)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, domain.Checkpoint{
			Kind:    kind,
			Tag:     tag,
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}

	sortByModTime(out)
	return out, nil
}

// MostRecent returns the most recently modified checkpoint of kind.
func (f *Finder) MostRecent(dir string, kind domain.CheckpointKind) (domain.Checkpoint, error) {
	found, err := f.List(dir, kind)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return MostRecent(found, kind)
}

// Preferred returns the final checkpoint of kind, else the most recent one.
func (f *Finder) Preferred(dir string, kind domain.CheckpointKind) (domain.Checkpoint, error) {
	found, err := f.List(dir, kind)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return Preferred(found, kind)
}

// MostRecent picks the latest checkpoint of kind from a list.
func MostRecent(found []domain.Checkpoint, kind domain.CheckpointKind) (domain.Checkpoint, error) {
	var (
		best domain.Checkpoint
		ok   bool
	)
	for _, cp := range found {
		if cp.Kind != kind {
			continue
		}
		if !ok || cp.ModTime.After(best.ModTime) {
			best, ok = cp, true
		}
	}
	if !ok {
		return domain.Checkpoint{}, notFound(kind)
	}
	return best, nil
}

// Preferred picks the final checkpoint of kind from a list, else the latest.
func Preferred(found []domain.Checkpoint, kind domain.CheckpointKind) (domain.Checkpoint, error) {
	for _, cp := range found {
		if cp.Kind == kind && cp.Final() {
			return cp, nil
		}
	}
	return MostRecent(found, kind)
}

func notFound(kind domain.CheckpointKind) error {
	return &domain.RunError{
		Kind:    domain.KindCheckpointNotFound,
		Message: fmt.Sprintf("no %s checkpoint found", kind),
	}
}

func sortByModTime(cps []domain.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].ModTime.Before(cps[j].ModTime)
	})
}
