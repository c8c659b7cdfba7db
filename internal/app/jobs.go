package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkio/wablast/internal/domain"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	a.sched = cron.New(cron.WithLocation(a.Location()), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedClearExpireData purges chat messages past the retention window and the
// per-recipient rows of blasts that finished more than a year ago.
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	idays := a.ConfigMgr().GetInt("message", "history_days")
	if idays == 0 {
		idays = 90
	}
	a.gormDB.
		Where("created_at < ?", time.Now().
			Add(-time.Hour*24*time.Duration(idays))).Delete(&domain.Message{})

	a.gormDB.
		Where("blast_id in (?)",
			a.gormDB.Model(&domain.Blast{}).Select("id").
				Where("status in ? and completed_at < ?",
					[]string{domain.BlastCompleted, domain.BlastCancelled},
					time.Now().Add(-time.Hour*24*365))).
		Delete(&domain.BlastMessage{})
}
