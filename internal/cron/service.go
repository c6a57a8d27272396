// Package cron runs named maintenance jobs on cron schedules (with a
// seconds field) and keeps their last-run state on disk.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc does one run of a job and returns a short result line.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus string    `json:"lastStatus"`
	LastError  string    `json:"lastError,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
	Runs       int       `json:"runs"`
}

// Job is a read-only view of a registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	state    JobState
	entry    rcron.EntryID
	running  sync.Mutex
}

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Service struct {
	storePath string
	timeout   time.Duration
	log       zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a scheduler. storePath may be empty to keep state in
// memory only.
func NewService(storePath string, logger zerolog.Logger) *Service {
	return &Service{
		storePath: storePath,
		timeout:   5 * time.Minute,
		log:       logger.With().Str("component", "cron").Logger(),
		jobs:      make(map[string]*job),
	}
}

// AddJob registers fn under name. An empty schedule registers a job that
// only runs through RunNow.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if schedule != "" {
		if _, err := parser.Parse(schedule); err != nil {
			return fmt.Errorf("job %s: bad schedule %q: %w", name, schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, schedule: schedule, fn: fn}
	s.jobs[name] = j
	if s.cron != nil && schedule != "" {
		return s.register(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		s.log.Warn().Err(err).Msg("failed to load job state")
	}

	s.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.cron = rcron.New(rcron.WithParser(parser), rcron.WithLogger(cronLogger{s.log}))
	for _, j := range s.jobs {
		if j.schedule == "" {
			continue
		}
		if err := s.register(j); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	n := len(s.cron.Entries())
	s.cron.Start()
	s.mu.Unlock()

	s.log.Info().Int("jobs", n).Msg("started")

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) register(j *job) error {
	ctx := s.ctx
	id, err := s.cron.AddFunc(j.schedule, func() { _, _ = s.execute(ctx, j) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", j.name, err)
	}
	j.entry = id
	return nil
}

// Stop waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopCtx := c.Stop()
	if cancel != nil {
		defer cancel()
	}
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("stop timeout waiting for running jobs")
	}
	s.log.Info().Msg("stopped")
}

// RunNow runs the named job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, j)
}

// execute skips the run if the previous one is still going.
func (s *Service) execute(ctx context.Context, j *job) (string, error) {
	if !j.running.TryLock() {
		s.log.Debug().Str("job", j.name).Msg("previous run still active, skipping")
		return "", fmt.Errorf("job %s already running", j.name)
	}
	defer j.running.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := j.fn(runCtx)

	s.mu.Lock()
	j.state.LastRunAt = start
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		j.state.LastResult = ""
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		j.state.LastResult = truncate(result, 200)
	}
	saveErr := s.save()
	s.mu.Unlock()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Str("job", j.name).Dur("took", time.Since(start)).Str("result", truncate(result, 100)).Msg("job finished")
	if saveErr != nil {
		s.log.Warn().Err(saveErr).Msg("failed to save job state")
	}
	return result, err
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{Name: j.name, Schedule: j.schedule, State: j.state})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// load restores state for already registered jobs.
func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var states map[string]JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range states {
		if j, ok := s.jobs[name]; ok {
			j.state = st
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	states := make(map[string]JobState, len(s.jobs))
	for name, j := range s.jobs {
		states[name] = j.state
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

// cronLogger routes robfig/cron's logs to zerolog.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
