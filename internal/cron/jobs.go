// Package cron manages the user's scheduled brain jobs. Jobs are stored as a
// JSON list under the OPENCLAW_CRON_JOBS setting; the brain runs them from
// the cron store file the config generator derives from that list.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/aibo-app/aibo-sub001/internal/settings"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var (
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrNotFound        = errors.New("cron job not found")
	ErrInvalidJob      = errors.New("invalid cron job")
)

// Job actions.
const (
	ActionPortfolioSummary = "portfolio_summary"
	ActionPriceAlert       = "price_alert"
	ActionCustomQuery      = "custom_query"
)

// Params carries the action-specific arguments.
type Params struct {
	Symbol    string  `json:"symbol,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Query     string  `json:"query,omitempty"`
}

// Delivery routes a job's result to a messaging channel.
type Delivery struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
}

type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Action    string    `json:"action"`
	Params    Params    `json:"params,omitempty"`
	DeliverTo *Delivery `json:"deliverTo,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is the prompt the brain receives when the job fires.
func (j Job) Message() string {
	switch j.Action {
	case ActionPortfolioSummary:
		return "Give me a summary of my current portfolio across all wallets."
	case ActionPriceAlert:
		sym := j.Params.Symbol
		if sym == "" {
			sym = "SOL"
		}
		if j.Params.Threshold > 0 {
			return fmt.Sprintf("Check the current price of %s and alert me if it moved more than %.2f%%.", sym, j.Params.Threshold)
		}
		return fmt.Sprintf("Check the current price of %s and alert if it moved significantly.", sym)
	case ActionCustomQuery:
		if q := strings.TrimSpace(j.Params.Query); q != "" {
			return q
		}
		return "Check my account status."
	default:
		return "Provide a status update on my portfolio."
	}
}

// Store persists the job list. settings.Service satisfies it.
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any) error
}

// Service is the CRUD layer over the stored job list. Every write replaces the
// whole list, which the reload coordinator turns into a brain hot reload.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger.With("component", "cron"),
		now:    time.Now,
	}
}

// List returns all jobs in stored order.
func (s *Service) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := s.store.GetJSON(ctx, settings.KeyCronJobs, &jobs); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return []Job{}, nil
		}
		return nil, err
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, nil
}

// Add validates and appends a job. An empty ID is assigned.
func (s *Service) Add(ctx context.Context, job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(job); err != nil {
		return Job{}, err
	}
	jobs, err := s.List(ctx)
	if err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	for _, j := range jobs {
		if j.ID == job.ID {
			return Job{}, fmt.Errorf("%w: id %q already exists", ErrInvalidJob, job.ID)
		}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	jobs = append(jobs, job)
	if err := s.store.SetJSON(ctx, settings.KeyCronJobs, jobs); err != nil {
		return Job{}, err
	}
	s.logger.Info("cron job added", "id", job.ID, "schedule", job.Schedule, "action", job.Action)
	return job, nil
}

// Update replaces the job with the same ID, keeping its creation time.
func (s *Service) Update(ctx context.Context, job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(job); err != nil {
		return Job{}, err
	}
	jobs, err := s.List(ctx)
	if err != nil {
		return Job{}, err
	}
	idx := indexOf(jobs, job.ID)
	if idx < 0 {
		return Job{}, ErrNotFound
	}
	job.CreatedAt = jobs[idx].CreatedAt
	jobs[idx] = job
	if err := s.store.SetJSON(ctx, settings.KeyCronJobs, jobs); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.List(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(jobs, id)
	if idx < 0 {
		return ErrNotFound
	}
	jobs = append(jobs[:idx], jobs[idx+1:]...)
	if err := s.store.SetJSON(ctx, settings.KeyCronJobs, jobs); err != nil {
		return err
	}
	s.logger.Info("cron job removed", "id", id)
	return nil
}

func (s *Service) Toggle(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.List(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(jobs, id)
	if idx < 0 {
		return ErrNotFound
	}
	if jobs[idx].Enabled == enabled {
		return nil
	}
	jobs[idx].Enabled = enabled
	return s.store.SetJSON(ctx, settings.KeyCronJobs, jobs)
}

func indexOf(jobs []Job, id string) int {
	for i, j := range jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func validate(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}
	switch job.Action {
	case ActionPortfolioSummary, ActionPriceAlert:
	case ActionCustomQuery:
		if strings.TrimSpace(job.Params.Query) == "" {
			return fmt.Errorf("%w: custom_query needs params.query", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidJob, job.Action)
	}
	if job.DeliverTo != nil && (job.DeliverTo.Channel == "" || job.DeliverTo.Recipient == "") {
		return fmt.Errorf("%w: deliverTo needs channel and recipient", ErrInvalidJob)
	}
	return nil
}

// ValidateSchedule reports whether expr is a standard 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(cronExpr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, cronExpr, err)
	}
	return sched.Next(after), nil
}
