package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"afm-trainer/internal/domain"
)

// record is one line of the metrics file.
type record struct {
	Time    time.Time              `json:"time"`
	Run     string                 `json:"run"`
	Event   string                 `json:"event"`
	Tags    []string               `json:"tags,omitempty"`
	Config  *domain.TrainingConfig `json:"config,omitempty"`
	Point   *Point                 `json:"point,omitempty"`
	Status  domain.RunStatus       `json:"status,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// FileSink appends metrics as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	run  string
	now  func() time.Time
	last *float64
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), now: time.Now}, nil
}

func (s *FileSink) Start(runName string, cfg domain.TrainingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = runName
	s.last = nil
	return s.write(record{Event: "start", Tags: Tags(cfg), Config: &cfg})
}

func (s *FileSink) Progress(p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Loss != nil {
		loss := *p.Loss
		s.last = &loss
	}
	return s.write(record{Event: "progress", Point: &p})
}

// Finish records the terminal status and the last observed loss.
func (s *FileSink) Finish(status domain.RunStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record{Event: "finish", Status: status, Message: message}
	if s.last != nil {
		rec.Point = &Point{Loss: s.last}
	}
	return s.write(rec)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *FileSink) write(rec record) error {
	rec.Time = s.now().UTC()
	rec.Run = s.run
	return s.enc.Encode(rec)
}
