package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/events"
	"github.com/aristath/hedgebot/internal/history"
	"github.com/aristath/hedgebot/internal/secrets"
	"github.com/aristath/hedgebot/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// storeReporter appends report lines for one job key.
type storeReporter struct {
	store *store.Store
	key   string
	log   zerolog.Logger
}

func (r *storeReporter) Report(text string, result store.Result) {
	if err := r.store.AppendReport(r.key, text, result); err != nil {
		r.log.Error().Err(err).Msg("Failed to append report")
	}
}

// outcome is what execution produced for finalization.
type outcome struct {
	jobID   string
	status  domain.Status
	err     error
	started time.Time
}

func (o outcome) succeeded() bool {
	return o.err == nil && o.status.TerminalSuccess()
}

// normalize maps anything that is not a clean success to a retryable status.
func (o *outcome) normalize() {
	if !o.succeeded() && !o.status.Retryable() {
		o.status = domain.StatusFailed
	}
}

func (s *Scheduler) accountWorker(ctx context.Context, r *run, job store.ModuleJob) error {
	if err := r.stagger.wait(ctx, job.Label); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, job.Address)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	creds, err := decrypt(r.key, job.EncodedSecret, job.Label, job.Address, job.Proxy)
	if err != nil {
		return err
	}

	log := s.log.With().
		Str("label", job.Label).
		Str("address", job.Address).
		Str("mode", r.mode.String()).
		Logger()
	reporter := &storeReporter{store: s.store, key: job.EncodedSecret, log: log}

	out := outcome{jobID: uuid.New().String(), started: s.now()}
	s.emitJob(r, out.jobID, history.KindAccount, job.Label, []string{job.Address}, "started", 0, nil)
	out.status, out.err = s.executeAccount(ctx, r.mode, creds, reporter, log)

	if errors.Is(out.err, store.ErrFatal) {
		return out.err
	}
	if out.err != nil {
		log.Error().Err(out.err).Msg("Soft error")
		reporter.Report(out.err.Error(), store.ResultFailure)
	}
	out.normalize()

	var last bool
	if r.mode.PerModule() {
		last, err = s.store.CompleteAccountModule(job, out.status)
	} else {
		err = s.store.CompleteAccount(job, out.status)
		last = true
	}
	if err != nil {
		return err
	}

	text, err := s.store.ConsumeReport(store.ReportRequest{
		Key:     job.EncodedSecret,
		Label:   job.Label,
		Address: job.Address,
		IsLast:  last,
		Mode:    r.mode,
	})
	if err != nil {
		return err
	}

	s.finish(ctx, r, history.Run{
		Kind:      history.KindAccount,
		Key:       job.EncodedSecret,
		Label:     job.Label,
		Addresses: []string{job.Address},
	}, out, text)

	s.cooldown(ctx, job.Label)
	return nil
}

func (s *Scheduler) executeAccount(ctx context.Context, mode domain.Mode, creds Credentials, reporter Reporter, log zerolog.Logger) (domain.Status, error) {
	session, err := s.exchange.OpenAccount(ctx, creds, reporter)
	if err != nil {
		return domain.StatusFailed, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session")
		}
	}()

	if err := session.Login(ctx); err != nil {
		return domain.StatusFailed, fmt.Errorf("login failed: %w", err)
	}
	return session.Run(ctx, mode)
}

func (s *Scheduler) groupWorker(ctx context.Context, r *run, job store.GroupJob) error {
	label := job.Label()
	addresses := job.Addresses()

	if err := r.stagger.wait(ctx, label); err != nil {
		return err
	}

	unlock, err := s.locks.MultiLock(ctx, addresses)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	creds := make([]Credentials, 0, len(job.Wallets))
	for _, w := range job.Wallets {
		c, err := decrypt(r.key, w.EncodedSecret, w.Label, w.Address, w.Proxy)
		if err != nil {
			return err
		}
		creds = append(creds, c)
	}

	log := s.log.With().
		Str("group", label).
		Strs("addresses", addresses).
		Str("mode", r.mode.String()).
		Logger()
	reporter := &storeReporter{store: s.store, key: job.Index, log: log}

	out := outcome{jobID: uuid.New().String(), started: s.now()}
	s.emitJob(r, out.jobID, history.KindGroup, label, addresses, "started", 0, nil)
	out.status, out.err = s.executeGroup(ctx, creds, reporter, log)

	if errors.Is(out.err, store.ErrFatal) {
		return out.err
	}
	if out.err != nil {
		log.Error().Err(out.err).Msg("Group error")
		reporter.Report(out.err.Error(), store.ResultFailure)
	}
	out.normalize()

	if err := s.store.CompleteGroup(job, out.status); err != nil {
		return err
	}

	text, err := s.store.ConsumeReport(store.ReportRequest{
		Key:   job.Index,
		Label: label,
		Mode:  r.mode,
	})
	if err != nil {
		return err
	}

	s.finish(ctx, r, history.Run{
		Kind:      history.KindGroup,
		Key:       job.Index,
		Label:     label,
		Addresses: addresses,
	}, out, text)

	if out.succeeded() {
		s.cooldown(ctx, label)
	} else {
		s.pause(ctx, label, GroupFailureCooldown)
	}
	return nil
}

func (s *Scheduler) executeGroup(ctx context.Context, creds []Credentials, reporter Reporter, log zerolog.Logger) (domain.Status, error) {
	session, err := s.exchange.OpenGroup(ctx, creds, reporter)
	if err != nil {
		return domain.StatusFailed, fmt.Errorf("failed to open sessions: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sessions")
		}
	}()

	if err := session.Login(ctx); err != nil {
		return domain.StatusFailed, fmt.Errorf("login failed: %w", err)
	}

	quote, err := session.Quote(ctx)
	if err != nil {
		return domain.StatusFailed, err
	}

	addresses := make([]string, len(creds))
	for i, c := range creds {
		addresses[i] = c.Address
	}
	plan, err := s.planner.Balance(addresses, quote.Probabilities, quote.Stakes)
	if err != nil {
		return domain.StatusFailed, err
	}
	log.Debug().
		Str("market", quote.Name).
		Float64("imbalance", plan.Imbalance()).
		Msg("Stakes balanced")

	return session.Hedge(ctx, quote, plan)
}

// finish sends the report, records the job and emits its terminal event.
func (s *Scheduler) finish(ctx context.Context, r *run, rec history.Run, out outcome, text string) {
	finished := s.now()
	s.notify(ctx, text)

	rec.ID = out.jobID
	rec.RunID = r.id
	rec.Mode = r.mode
	rec.Status = out.status
	rec.Report = text
	rec.StartedAt = out.started
	rec.FinishedAt = finished
	if out.err != nil {
		rec.Error = out.err.Error()
	}
	if s.recorder != nil {
		if err := s.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			s.log.Warn().Err(err).Str("label", rec.Label).Msg("Failed to record job")
		}
	}

	status := "completed"
	if !out.succeeded() {
		status = "failed"
	}
	s.emitJob(r, out.jobID, rec.Kind, rec.Label, rec.Addresses, status, finished.Sub(out.started), out.err)
}

func (s *Scheduler) emitJob(r *run, jobID, kind, label string, addresses []string, status string, took time.Duration, err error) {
	if s.events == nil {
		return
	}
	data := &events.JobStatusData{
		JobID:     jobID,
		Kind:      kind,
		Label:     label,
		Addresses: addresses,
		Mode:      r.mode.String(),
		Status:    status,
		Duration:  took.Seconds(),
		Timestamp: s.now(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	s.events.Emit(data.EventType(), "scheduler", data)
}

// decrypt turns a stored secret into credentials. A secret the session key
// cannot open means the store and the key disagree, which is fatal.
func decrypt(key *secrets.Key, encoded, label, address, proxy string) (Credentials, error) {
	plain, err := secrets.Decrypt(encoded, key)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: cannot decrypt secret of %s: %w", store.ErrFatal, address, err)
	}
	return Credentials{Label: label, Address: address, PrivateKey: plain, Proxy: proxy}, nil
}
