package memory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
)

var ErrSettingNotFound = ports.ErrSettingNotFound

// Store is an in-process arena of jobs indexed by ID (jobs[id-1]), plus the aggregates.
// All values are copied on the way in and out.
type Store struct {
	mu       sync.RWMutex
	jobs     []domain.Job
	agents   map[common.Address]domain.AgentStats
	platform domain.PlatformStats
	settings map[string]string
}

// Ensure Store implements Repository interface
var _ ports.Repository = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		agents:   make(map[common.Address]domain.AgentStats),
		platform: domain.PlatformStats{}.Clone(),
		settings: make(map[string]string),
	}
}

func (s *Store) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == 0 || uint64(id) > uint64(len(s.jobs)) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return s.jobs[id-1].Clone(), nil
}

func (s *Store) CountJobs(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.jobs)), nil
}

func (s *Store) ListJobs(_ context.Context, after domain.JobID, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for i := int(after); i < len(s.jobs) && len(out) < limit; i++ {
		out = append(out, s.jobs[i].Clone())
	}
	return out, nil
}

func (s *Store) ListJobsByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if len(out) >= limit {
			break
		}
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetAgentStats(_ context.Context, agent common.Address) (domain.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.agents[agent]
	if !ok {
		return domain.AgentStats{Agent: agent}, nil
	}
	return stats.Clone(), nil
}

func (s *Store) GetPlatformStats(_ context.Context) (domain.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platform.Clone(), nil
}

// Commit applies the change under a single write lock. A job is either an update of an
// existing ID or the append of ID len+1; anything else is rejected before any write.
func (s *Store) Commit(_ context.Context, change domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Job != nil {
		id := uint64(change.Job.ID)
		switch {
		case id >= 1 && id <= uint64(len(s.jobs)):
			s.jobs[id-1] = change.Job.Clone()
		case id == uint64(len(s.jobs))+1:
			s.jobs = append(s.jobs, change.Job.Clone())
		default:
			return domain.ErrJobNotFound
		}
	}
	if change.Agent != nil {
		s.agents[change.Agent.Agent] = change.Agent.Clone()
	}
	if change.Platform != nil {
		s.platform = change.Platform.Clone()
	}
	return nil
}

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", ErrSettingNotFound
	}
	return v, nil
}

func (s *Store) SaveSetting(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) Close() error {
	return nil
}
