package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// JSONLPublisher appends events to a local file, one JSON object per line.
// Suited to small deployments where the "centralized sink" is a file that
// log shippers pick up.
type JSONLPublisher struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *slog.Logger
}

func NewJSONLPublisher(path string, logger *slog.Logger) (*JSONLPublisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &JSONLPublisher{
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger,
	}, nil
}

func (p *JSONLPublisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enc.Encode(ev); err != nil {
		p.logger.Error("failed to append audit event", "error", err)
	}
}

func (p *JSONLPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}
