/*
scheduler.go - Scheduled reconciliation and housekeeping

PURPOSE:
  Runs ledger.Reconciler on a cron schedule and keeps the last report for
  the admin endpoint. Drift is logged and published as a gauge; nothing is
  repaired automatically.

CONFIGURATION:
  - Schedule: robfig/cron spec, e.g. "@every 1h" or "0 3 * * *"
  - Enabled:  Whether the scheduled run is active

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, log)
  scheduler.Schedule = cfg.Reconcile.Schedule
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual run)
  - ledger/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/karma-ledger/ledger"
)

// ReportRecorder receives every finished report. metrics.Metrics
// implements it.
type ReportRecorder interface {
	RecordReconcile(report ledger.ReconcileReport)
}

// ReconciliationScheduler handles automated drift detection.
type ReconciliationScheduler struct {
	Reconciler *ledger.Reconciler
	Recorder   ReportRecorder
	Schedule   string
	Enabled    bool
	Timeout    time.Duration

	log  logrus.FieldLogger
	cron *cron.Cron

	mu      sync.Mutex
	running sync.Mutex
	last    *ledger.ReconcileReport
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(r *ledger.Reconciler, log logrus.FieldLogger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler: r,
		Schedule:   "@every 1h",
		Enabled:    true,
		Timeout:    10 * time.Minute,
		log:        log,
		cron:       cron.New(),
	}
}

// Every registers an additional housekeeping job on the same cron.
func (rs *ReconciliationScheduler) Every(spec string, fn func()) error {
	if _, err := rs.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() error {
	if rs.Enabled {
		_, err := rs.cron.AddFunc(rs.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), rs.Timeout)
			defer cancel()
			if _, err := rs.RunNow(ctx); err != nil {
				rs.log.WithError(err).Error("scheduled reconciliation failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", rs.Schedule, err)
		}
		rs.log.WithField("schedule", rs.Schedule).Info("reconciliation scheduled")
	} else {
		rs.log.Info("scheduled reconciliation disabled")
	}
	rs.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running job.
func (rs *ReconciliationScheduler) Stop() {
	<-rs.cron.Stop().Done()
}

// RunNow reconciles immediately. Concurrent calls are serialized.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (ledger.ReconcileReport, error) {
	rs.running.Lock()
	defer rs.running.Unlock()

	report, err := rs.Reconciler.Run(ctx)
	if err != nil {
		return ledger.ReconcileReport{}, err
	}

	for _, d := range report.Drifts {
		rs.log.WithFields(logrus.Fields{
			"family_id":     d.Scope.FamilyID,
			"user_id":       d.Scope.UserID,
			"event_sum":     d.EventSum,
			"total_karma":   d.TotalKarma,
			"has_aggregate": d.HasAggregate,
		}).Warn("karma drift detected")
	}
	rs.log.WithFields(logrus.Fields{
		"scopes":   report.ScopesChecked,
		"drifts":   len(report.Drifts),
		"duration": report.FinishedAt.Sub(report.StartedAt),
	}).Info("reconciliation completed")

	if rs.Recorder != nil {
		rs.Recorder.RecordReconcile(report)
	}

	rs.mu.Lock()
	rs.last = &report
	rs.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent report, if any run has finished.
func (rs *ReconciliationScheduler) LastReport() (ledger.ReconcileReport, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return ledger.ReconcileReport{}, false
	}
	return *rs.last, true
}
