// Package scheduler runs the periodic maintenance jobs: the per-minute
// communication-loss sweep over tracked drivers and the daily retention
// prunes that enforce the data-minimisation windows.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/config"
	"github.com/123ashny/KENYASHIP/internal/emergency"
	"github.com/123ashny/KENYASHIP/internal/notify"
	"github.com/123ashny/KENYASHIP/internal/realtime"
	"github.com/123ashny/KENYASHIP/internal/securitymon"
	"github.com/123ashny/KENYASHIP/internal/verification"
)

// Scheduler wraps robfig/cron around the sweep and prune jobs.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	monitor *securitymon.Monitor
	verify  *verification.Service
	emerg   *emergency.Orchestrator
	notify  *notify.Dispatcher
	hub     *realtime.Hub
	logger  *zap.Logger
}

// New creates and configures the scheduler.
func New(
	cfg *config.Config,
	monitor *securitymon.Monitor,
	verify *verification.Service,
	emerg *emergency.Orchestrator,
	dispatcher *notify.Dispatcher,
	hub *realtime.Hub,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		cfg:     cfg,
		monitor: monitor,
		verify:  verify,
		emerg:   emerg,
		notify:  dispatcher,
		hub:     hub,
		logger:  logger,
	}
}

// Start registers the jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.SweepCommunicationLoss); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", s.SweepRetention); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("retention_location", s.cfg.RetentionLocation),
		zap.Duration("retention_delivery", s.cfg.RetentionDelivery),
		zap.Duration("retention_audit", s.cfg.RetentionAudit),
	)
	return nil
}

// Stop gracefully stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// SweepCommunicationLoss checks every tracked driver's last fix time and
// lets the monitor raise alerts for those gone silent.
func (s *Scheduler) SweepCommunicationLoss() {
	for driverID, seen := range s.monitor.LastSeen() {
		s.monitor.CheckCommunicationLoss(seen.DeliveryID, driverID, seen.At)
	}
}

// SweepRetention prunes expired records from every in-memory store. The
// audit log is exempt: removing entries would break its hash chain, so it is
// kept whole for the full RetentionAudit window and archived off-process.
func (s *Scheduler) SweepRetention() {
	now := time.Now().UTC()
	locationCutoff := now.Add(-s.cfg.RetentionLocation)
	deliveryCutoff := now.Add(-s.cfg.RetentionDelivery)

	entries, alerts := s.monitor.PruneBefore(locationCutoff, deliveryCutoff)
	verifications := s.verify.PruneBefore(deliveryCutoff)
	emergencies := s.emerg.PruneBefore(deliveryCutoff)
	notifications := s.notify.PruneRead(deliveryCutoff)
	offlineEvents := s.hub.PruneOffline(locationCutoff)

	s.logger.Info("retention sweep complete",
		zap.Int("location_entries", entries),
		zap.Int("alerts", alerts),
		zap.Int("verifications", verifications),
		zap.Int("emergencies", emergencies),
		zap.Int("notifications", notifications),
		zap.Int("offline_events", offlineEvents),
	)
}
