package blast

import (
	"errors"
	"strings"
	"time"

	"github.com/talkio/wablast/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler reactivates recurring blasts. It runs every minute with an
// immediate first pass; all date math happens in the application's reference
// timezone.
type Scheduler struct {
	engine *Engine

	// now is swapped out by tests.
	now func() time.Time
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine, now: time.Now}
}

// Start registers the recurrence pass on the shared cron and fires it once
// right away so restarts do not miss a window.
func (s *Scheduler) Start() {
	_, err := s.engine.app.Scheduler().AddFunc("@every 60s", s.RunOnce)
	if err != nil {
		zap.S().Errorf("init recurrence job error %s", err.Error())
	}
	go s.RunOnce()
}

// RunOnce scans every recurrence-enabled blast and reactivates the eligible
// ones. Safe to call concurrently; the reset itself is idempotent.
func (s *Scheduler) RunOnce() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	now := s.now().In(s.engine.app.Location())

	s.releaseDue(now)

	var blasts []domain.Blast
	err := s.engine.app.DB().
		Where("recur_enabled = ? and status in ?", true,
			[]string{domain.BlastScheduled, domain.BlastRunning, domain.BlastCompleted}).
		Find(&blasts).Error
	if err != nil {
		zap.L().Error("recurrence scan failed", zap.Error(err))
		return
	}

	for i := range blasts {
		b := &blasts[i]
		if !s.eligible(b, now) {
			continue
		}
		s.trigger(b, now)
	}
}

// releaseDue flips one-shot scheduled blasts whose time has arrived to RUNNING
// and hands them to the dispatch pool. The conditional update makes concurrent
// passes (and a racing manual cancel) safe.
func (s *Scheduler) releaseDue(now time.Time) {
	db := s.engine.app.DB()

	var due []domain.Blast
	err := db.Where("recur_enabled = ? and status = ? and scheduled_at is not null and scheduled_at <= ?",
		false, domain.BlastScheduled, now).
		Find(&due).Error
	if err != nil {
		zap.L().Error("scheduled blast scan failed", zap.Error(err))
		return
	}

	for i := range due {
		b := &due[i]
		res := db.Model(&domain.Blast{}).
			Where("id = ? and status = ?", b.ID, domain.BlastScheduled).
			Updates(map[string]interface{}{
				"status":     domain.BlastRunning,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			zap.L().Error("scheduled blast release failed", zap.Int64("blast_id", b.ID), zap.Error(res.Error))
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		zap.L().Info("scheduled blast released", zap.Int64("blast_id", b.ID))
		s.engine.dispatchAsync(b.ID)
	}
}

// eligible applies the recurrence rules: date-range containment, weekday set
// (empty or malformed = every day), once per calendar day, and a 0-1 minute
// tolerance window past the configured trigger time.
func (s *Scheduler) eligible(b *domain.Blast, now time.Time) bool {
	if b.RecurStart != nil && now.Before(b.RecurStart.In(now.Location())) {
		return false
	}
	if b.RecurEnd != nil && now.After(endOfDay(b.RecurEnd.In(now.Location()))) {
		return false
	}

	if !weekdayAllowed(b.RecurDays, now.Weekday()) {
		return false
	}

	if b.LastScheduledRun != nil && sameDate(b.LastScheduledRun.In(now.Location()), now) {
		return false
	}

	trigger, err := time.ParseInLocation("15:04", strings.TrimSpace(b.RecurTime), now.Location())
	if err != nil {
		zap.L().Warn("malformed recurrence time, skipping",
			zap.Int64("blast_id", b.ID), zap.String("recur_time", b.RecurTime))
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(),
		trigger.Hour(), trigger.Minute(), 0, 0, now.Location())
	return !now.Before(target) && now.Before(target.Add(time.Minute))
}

// weekdayAllowed parses the comma separated day set. An empty set means every
// day; a malformed set also means every day, never a fatal error.
func weekdayAllowed(spec string, day time.Weekday) bool {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return true
	}
	names := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
		"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
		"sat": time.Saturday,
	}
	allowed := make(map[time.Weekday]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if len(part) > 3 {
			part = part[:3]
		}
		d, ok := names[part]
		if !ok {
			return true // malformed day set: treat as every day
		}
		allowed[d] = true
	}
	return allowed[day]
}

var errAlreadyTriggered = errors.New("already triggered in this window")

// trigger performs the idempotent transactional reset and hands the blast to
// the dispatch pool. The conditional stamp of last_scheduled_run is what makes
// a second pass inside the same window a no-op, and it also loses gracefully
// to a racing manual cancel.
func (s *Scheduler) trigger(b *domain.Blast, now time.Time) {
	db := s.engine.app.DB()

	var recipients int64
	db.Model(&domain.BlastMessage{}).Where("blast_id = ?", b.ID).Count(&recipients)
	if recipients == 0 {
		s.engine.markBlastFailed(b.ID, "recurrence with no recipients")
		return
	}
	if s.engine.transports.Transport(b.TenantID) == nil {
		s.engine.markBlastFailed(b.ID, "recurrence with no transport")
		return
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Blast{}).
			Where("id = ? and status in ? and (last_scheduled_run is null or last_scheduled_run < ?)",
				b.ID,
				[]string{domain.BlastScheduled, domain.BlastRunning, domain.BlastCompleted},
				startOfDay).
			Updates(map[string]interface{}{
				"status":             domain.BlastRunning,
				"sent_count":         0,
				"failed_count":       0,
				"completed_at":       nil,
				"last_scheduled_run": now,
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyTriggered
		}
		return tx.Model(&domain.BlastMessage{}).
			Where("blast_id = ? and status <> ?", b.ID, domain.BlastMsgQueued).
			Updates(map[string]interface{}{
				"status":       domain.BlastMsgQueued,
				"external_id":  "",
				"error":        "",
				"sent_at":      nil,
				"delivered_at": nil,
				"read_at":      nil,
				"failed_at":    nil,
				"updated_at":   time.Now(),
			}).Error
	})
	if errors.Is(err, errAlreadyTriggered) {
		return
	}
	if err != nil {
		zap.L().Error("recurrence reset failed", zap.Int64("blast_id", b.ID), zap.Error(err))
		return
	}

	zap.L().Info("recurring blast reactivated", zap.Int64("blast_id", b.ID))
	s.engine.dispatchAsync(b.ID)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
