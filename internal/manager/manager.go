// Package manager is the scheduler facade used by the REST surface.
//
// It validates requests, forwards job operations to the trigger engine and
// records every administrative action in the audit log.
package manager

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/internal/storage"
	"chronod/internal/task/runner"
	"chronod/internal/task/scheduler"
	"chronod/pkg/logx"
)

type Config struct {
	// StrictResolve rejects a job_class_string with no registered payload at
	// add and modify time. Otherwise the firing records SCHEDULED_ERROR.
	StrictResolve bool
}

// Store is the part of the datastore the facade reads and writes directly.
type Store interface {
	storage.ExecutionStore
	storage.AuditStore
}

type Service struct {
	cfg    Config
	sched  *scheduler.Service
	runner *runner.Runner
	store  Store
	ps     *pubsub.Registry
	reg    *payload.Registry
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, sched *scheduler.Service, run *runner.Runner, store Store, ps *pubsub.Registry, reg *payload.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sched:  sched,
		runner: run,
		store:  store,
		ps:     ps,
		reg:    reg,
		log:    log.With(logx.String("comp", "manager")),
		now:    time.Now,
	}
}

// legacyCronFields are the fields of which a cron job must set at least one.
var legacyCronFields = []string{"month", "day", "hour", "minute", "day_of_week"}

func (s *Service) validateAdd(req JobRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return &scheduler.ValidationError{Field: "name", Msg: "required"}
	}
	if strings.TrimSpace(req.JobClassString) == "" {
		return &scheduler.ValidationError{Field: "job_class_string", Msg: "required"}
	}
	if strings.TrimSpace(req.Trigger) == "" && len(req.TriggerParams) == 0 {
		cron := req.cron()
		if len(cron) == 0 {
			return &scheduler.ValidationError{
				Field: "trigger_params",
				Msg:   "require at least one of " + strings.Join(legacyCronFields, ", "),
			}
		}
	}
	return s.checkClass(req.JobClassString)
}

func (s *Service) checkClass(class string) error {
	class = strings.TrimSpace(class)
	if !s.cfg.StrictResolve || class == "" || s.reg == nil {
		return nil
	}
	if _, err := s.reg.Resolve(class); err != nil {
		return &scheduler.ValidationError{Field: "job_class_string", Msg: err.Error()}
	}
	return nil
}

func normUser(user string) string {
	if u := strings.TrimSpace(user); u != "" {
		return u
	}
	return anonymous
}

// AddJob creates a job and records ADDED.
func (s *Service) AddJob(ctx context.Context, user string, req JobRequest) (string, error) {
	if err := s.validateAdd(req); err != nil {
		return "", err
	}
	params := req.cron()
	for k, v := range req.TriggerParams {
		params[k] = v
	}
	id, err := s.sched.AddJob(ctx, scheduler.AddRequest{
		Name:           req.Name,
		JobClassString: req.JobClassString,
		PubArgs:        req.PubArgs,
		Kwargs:         req.Kwargs,
		Trigger:        req.Trigger,
		TriggerParams:  params,
	})
	if err != nil {
		return "", err
	}
	s.audit(ctx, user, id, strings.TrimSpace(req.Name), storage.EventAdded, "")
	return id, nil
}

// ModifyJob applies the non-empty fields of req and records MODIFIED with a
// diff of the user-facing fields.
func (s *Service) ModifyJob(ctx context.Context, user, id string, req JobRequest) error {
	if err := s.checkClass(req.JobClassString); err != nil {
		return err
	}
	before, err := s.sched.GetJob(ctx, id)
	if err != nil {
		return err
	}

	var ch scheduler.Changes
	if v := strings.TrimSpace(req.Name); v != "" {
		ch.Name = &v
	}
	if v := strings.TrimSpace(req.JobClassString); v != "" {
		ch.JobClassString = &v
	}
	if req.PubArgs != nil {
		args := req.PubArgs
		ch.PubArgs = &args
	}
	if req.Kwargs != nil {
		kw := req.Kwargs
		ch.Kwargs = &kw
	}
	if cron := req.cron(); len(cron) > 0 {
		ch.Cron = cron
	}
	ch.Trigger = strings.TrimSpace(req.Trigger)
	ch.TriggerParams = req.TriggerParams
	if ch.Trigger == "" && len(req.TriggerParams) > 0 {
		// trigger_params without trigger are cron fields.
		ch.Cron = mergeCron(ch.Cron, req.TriggerParams)
	}

	after, err := s.sched.ModifyJob(ctx, id, ch)
	if err != nil {
		return err
	}
	loc := s.sched.Location()
	s.audit(ctx, user, id, after.Name, storage.EventModified, describeModify(jobView(before, loc), jobView(after, loc)))
	return nil
}

func mergeCron(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

// RemoveJob deletes a job and records DELETED with the removed job as JSON.
func (s *Service) RemoveJob(ctx context.Context, user, id string) error {
	job, err := s.sched.RemoveJob(ctx, id)
	if err != nil {
		return err
	}
	desc, _ := json.Marshal(jobView(job, s.sched.Location()))
	s.audit(ctx, user, id, job.Name, storage.EventDeleted, string(desc))
	return nil
}

func (s *Service) PauseJob(ctx context.Context, user, id string) error {
	job, err := s.sched.PauseJob(ctx, id)
	if err != nil {
		return err
	}
	s.audit(ctx, user, id, job.Name, storage.EventPaused, "")
	return nil
}

func (s *Service) ResumeJob(ctx context.Context, user, id string) error {
	job, err := s.sched.ResumeJob(ctx, id)
	if err != nil {
		return err
	}
	s.audit(ctx, user, id, job.Name, storage.EventResumed, "")
	return nil
}

func (s *Service) GetJob(ctx context.Context, id string) (JobView, error) {
	job, err := s.sched.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return jobView(job, s.sched.Location()), nil
}

func (s *Service) ListJobs(ctx context.Context) ([]JobView, error) {
	jobs, err := s.sched.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	loc := s.sched.Location()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j, loc))
	}
	return out, nil
}

// RunJob runs a job now, paused or not, and waits for the execution to
// finish. It records CUSTOM_RUN with the execution id.
func (s *Service) RunJob(ctx context.Context, user, id string) (string, error) {
	job, err := s.sched.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if s.runner == nil {
		return "", errors.New("runner not configured")
	}
	// A client hanging up does not cancel the run.
	execID, err := s.runner.Run(context.WithoutCancel(ctx), job, s.now())
	if err != nil {
		return "", err
	}
	s.audit(ctx, user, id, job.Name, storage.EventCustomRun, execID)
	return execID, nil
}

func (s *Service) GetExecution(ctx context.Context, id string) (ExecutionView, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ExecutionView{}, errors.WithStack(&NotFoundError{Kind: "execution", ID: id})
		}
		return ExecutionView{}, err
	}
	return s.executionView(ctx, e, map[string]*ExecutionJob{}), nil
}

// ListExecutions returns executions scheduled within [start, end], most
// recently updated first.
func (s *Service) ListExecutions(ctx context.Context, start, end time.Time) ([]ExecutionView, error) {
	execs, err := s.store.GetExecutions(ctx, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	jobs := map[string]*ExecutionJob{}
	out := make([]ExecutionView, 0, len(execs))
	for _, e := range execs {
		out = append(out, s.executionView(ctx, e, jobs))
	}
	return out, nil
}

// ListAuditLogs returns audit entries created within [start, end], newest first.
func (s *Service) ListAuditLogs(ctx context.Context, start, end time.Time) ([]AuditView, error) {
	logs, err := s.store.GetAuditLogs(ctx, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "list audit logs")
	}
	out := make([]AuditView, 0, len(logs))
	for _, l := range logs {
		out = append(out, AuditView{
			JobID:       l.JobID,
			JobName:     l.JobName,
			Event:       l.Event.String(),
			User:        l.User,
			CreatedTime: formatTime(l.CreatedTime),
			Description: l.Description,
		})
	}
	return out, nil
}

// Publish delivers a webhook payload to the execution waiting on key.
func (s *Service) Publish(key string, body any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &scheduler.ValidationError{Field: "jobid", Msg: "required"}
	}
	if s.ps == nil {
		return errors.WithStack(&pubsub.NoSubscriberError{Key: key})
	}
	if err := s.ps.Publish(key, body); err != nil {
		return err
	}
	s.log.Debug("callback delivered", logx.String("key", key))
	return nil
}

// Payloads lists the registered payloads.
func (s *Service) Payloads() []payload.Meta {
	if s.reg == nil {
		return []payload.Meta{}
	}
	return s.reg.List()
}

// PendingCallbacks lists the keys executions are waiting on.
func (s *Service) PendingCallbacks() []string {
	if s.ps == nil {
		return []string{}
	}
	return s.ps.Pending()
}

func (s *Service) Scheduler() *scheduler.Service { return s.sched }

func (s *Service) RunnerStats() runner.Stats {
	if s.runner == nil {
		return runner.Stats{}
	}
	return s.runner.Stats()
}

// audit appends an entry. A failed write is logged; the operation it
// describes has already happened.
func (s *Service) audit(ctx context.Context, user, jobID, jobName string, ev storage.AuditEvent, desc string) {
	_, err := s.store.AddAuditLog(context.WithoutCancel(ctx), storage.AuditLog{
		JobID:       jobID,
		JobName:     jobName,
		Event:       ev,
		User:        normUser(user),
		CreatedTime: s.now(),
		Description: desc,
	})
	if err != nil {
		s.log.Error("audit log write failed",
			logx.String("job_id", jobID),
			logx.String("event", ev.String()),
			logx.Err(err))
		return
	}
	s.log.Info("job "+ev.String(), logx.String("job_id", jobID), logx.String("user", normUser(user)))
}
