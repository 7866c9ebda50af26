package fetch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/config"
	"github.com/datallboy/gowish/internal/infra/logger"
)

type memAncestry struct {
	mu    sync.Mutex
	hosts map[string]string
}

func newMemAncestry() *memAncestry { return &memAncestry{hosts: map[string]string{}} }

func (m *memAncestry) RecordAncestry(_ context.Context, path, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[filepath.Clean(path)] = host
	return nil
}

func (m *memAncestry) AncestryHost(_ context.Context, path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[filepath.Clean(path)]
	return h, ok, nil
}

func (m *memAncestry) ForgetAncestry(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, filepath.Clean(path))
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Progress
}

func (r *recorder) Publish(_ string, p domain.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) kind(k domain.ProgressKind) []domain.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Progress
	for _, p := range r.events {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		Config: config.DownloadConfig{
			UserAgent:            "gowish-test",
			ConnectTimeout:       5 * time.Second,
			ReadTimeout:          5 * time.Second,
			BufferSize:           256,
			CheckLastModified:    true,
			ResumeMtimeTolerance: 2 * time.Second,
			AllowCleartext:       true,
		},
		Logger:    logger.Discard(),
		Ancestry:  newMemAncestry(),
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	}
}

type staticCreds map[string]domain.Credential

func (s staticCreds) Find(scheme, host, _ string) (domain.Credential, bool) {
	c, ok := s[scheme+"://"+host]
	return c, ok
}
