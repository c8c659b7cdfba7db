package blast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/talkio/wablast/config"
	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string // recipients in send order
	errAt map[int]error
	seq   int
}

func (f *fakeTransport) SendText(_ context.Context, to string, _ string) (protocol.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if err, ok := f.errAt[f.seq]; ok {
		return protocol.SendResult{}, err
	}
	f.sent = append(f.sent, to)
	return protocol.SendResult{ExternalID: "EXT" + to, Timestamp: time.Now()}, nil
}

func (f *fakeTransport) SendImage(ctx context.Context, to string, caption string, _ []byte, _ string) (protocol.SendResult, error) {
	return f.SendText(ctx, to, caption)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeProvider struct {
	mu sync.Mutex
	t  protocol.Transport
}

func (p *fakeProvider) Transport(int64) protocol.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.AppConfig{}
	*cfg = *config.DefaultAppConfig
	cfg.System.Workdir = t.TempDir()
	return app.NewTestApplication(cfg, db)
}

func seedContacts(t *testing.T, db *gorm.DB, tenantID int64, phones ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(phones))
	for _, phone := range phones {
		c := domain.Contact{ID: common.UUIDint64(), TenantID: tenantID, Phone: phone, Name: "c" + phone}
		if err := db.Create(&c).Error; err != nil {
			t.Fatalf("seed contact: %v", err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func waitForStatus(t *testing.T, db *gorm.DB, blastID int64, want string) domain.Blast {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var b domain.Blast
		if err := db.First(&b, blastID).Error; err != nil {
			t.Fatalf("load blast: %v", err)
		}
		if b.Status == want {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	var b domain.Blast
	_ = db.First(&b, blastID).Error
	t.Fatalf("blast %d status = %s, want %s", blastID, b.Status, want)
	return b
}

func TestSubmitDispatchCompletes(t *testing.T) {
	actx := newTestApp(t)
	transport := &fakeTransport{}
	engine := NewEngine(actx, &fakeProvider{t: transport})
	defer engine.Shutdown()

	var delays []time.Duration
	var mu sync.Mutex
	engine.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	ids := seedContacts(t, actx.DB(), 1, "628111", "628222")
	blastID, err := engine.Submit(1, SubmitRequest{
		Name:       "Promo",
		Message:    "hello {name}",
		Speed:      domain.SpeedNormal,
		ContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	b := waitForStatus(t, actx.DB(), blastID, domain.BlastCompleted)
	if b.SentCount != 2 || b.FailedCount != 0 {
		t.Fatalf("counters = %d/%d, want 2/0", b.SentCount, b.FailedCount)
	}
	if transport.sentCount() != 2 {
		t.Fatalf("sends = %d, want 2", transport.sentCount())
	}

	var msgs []domain.BlastMessage
	actx.DB().Where("blast_id = ?", blastID).Order("id asc").Find(&msgs)
	for _, m := range msgs {
		if m.Status != domain.BlastMsgSent {
			t.Fatalf("message %d status = %s, want sent", m.ID, m.Status)
		}
		if m.ExternalID == "" {
			t.Fatalf("message %d missing external id", m.ID)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 1 {
		t.Fatalf("delays = %d, want N-1 = 1", len(delays))
	}
	if delays[0] < 3000*time.Millisecond || delays[0] > 5000*time.Millisecond {
		t.Fatalf("delay %v outside normal bounds", delays[0])
	}
}

func TestSubmitNoTransportFailsBlast(t *testing.T) {
	actx := newTestApp(t)
	engine := NewEngine(actx, &fakeProvider{t: nil})
	defer engine.Shutdown()
	engine.sleep = func(time.Duration) {}

	ids := seedContacts(t, actx.DB(), 1, "628111", "628222")
	blastID, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: ids})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, actx.DB(), blastID, domain.BlastFailed)

	var sent int64
	actx.DB().Model(&domain.BlastMessage{}).
		Where("blast_id = ? and status = ?", blastID, domain.BlastMsgSent).Count(&sent)
	if sent != 0 {
		t.Fatalf("sent messages = %d, want 0", sent)
	}
}

func TestSubmitRejectsBlockedAndForeignContacts(t *testing.T) {
	actx := newTestApp(t)
	engine := NewEngine(actx, &fakeProvider{t: &fakeTransport{}})
	defer engine.Shutdown()

	ids := seedContacts(t, actx.DB(), 1, "628111")
	actx.DB().Model(&domain.Contact{}).Where("id = ?", ids[0]).Update("blocked", true)

	if _, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: ids}); err == nil {
		t.Fatal("expected error for blocked contact")
	}

	other := seedContacts(t, actx.DB(), 2, "628333")
	if _, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: other}); err == nil {
		t.Fatal("expected error for foreign contact")
	}
}

func TestSendFailureRecordsTruncatedError(t *testing.T) {
	actx := newTestApp(t)
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	transport := &fakeTransport{errAt: map[int]error{1: errors.New(string(long))}}
	engine := NewEngine(actx, &fakeProvider{t: transport})
	defer engine.Shutdown()
	engine.sleep = func(time.Duration) {}

	ids := seedContacts(t, actx.DB(), 1, "628111", "628222")
	blastID, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: ids})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	b := waitForStatus(t, actx.DB(), blastID, domain.BlastCompleted)
	if b.SentCount != 1 || b.FailedCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", b.SentCount, b.FailedCount)
	}

	var failed domain.BlastMessage
	if err := actx.DB().
		Where("blast_id = ? and status = ?", blastID, domain.BlastMsgFailed).
		First(&failed).Error; err != nil {
		t.Fatalf("load failed message: %v", err)
	}
	if len(failed.Error) != maxErrorLen {
		t.Fatalf("error length = %d, want %d", len(failed.Error), maxErrorLen)
	}
}

func TestMediaOnlyTemplateFailsWhenFetchFails(t *testing.T) {
	actx := newTestApp(t)
	transport := &fakeTransport{}
	engine := NewEngine(actx, &fakeProvider{t: transport})
	defer engine.Shutdown()
	engine.sleep = func(time.Duration) {}

	ids := seedContacts(t, actx.DB(), 1, "628111", "628222")
	blastID, err := engine.Submit(1, SubmitRequest{
		MediaURL:   "http://127.0.0.1:1/template.jpg", // unreachable
		ContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, actx.DB(), blastID, domain.BlastFailed)
	if transport.sentCount() != 0 {
		t.Fatalf("sends = %d, want 0 for unsendable template", transport.sentCount())
	}

	var queued int64
	actx.DB().Model(&domain.BlastMessage{}).
		Where("blast_id = ? and status = ?", blastID, domain.BlastMsgQueued).Count(&queued)
	if queued != 2 {
		t.Fatalf("queued rows = %d, want 2 (no recipient touched)", queued)
	}
}

func TestSendRetriesPerMaxRetrySetting(t *testing.T) {
	actx := newTestApp(t)
	actx.DB().Create(&domain.SysConfig{
		ID: common.UUIDint64(), Type: "blast", Name: "max_retry", Value: "2",
	})

	// The first two attempts fail; the configured retries make the third stick.
	transport := &fakeTransport{errAt: map[int]error{
		1: errors.New("timeout"),
		2: errors.New("timeout"),
	}}
	engine := NewEngine(actx, &fakeProvider{t: transport})
	defer engine.Shutdown()
	engine.sleep = func(time.Duration) {}

	ids := seedContacts(t, actx.DB(), 1, "628111")
	blastID, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: ids})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	b := waitForStatus(t, actx.DB(), blastID, domain.BlastCompleted)
	if b.SentCount != 1 || b.FailedCount != 0 {
		t.Fatalf("counters = %d/%d, want 1/0", b.SentCount, b.FailedCount)
	}
	if transport.sentCount() != 1 {
		t.Fatalf("successful sends = %d, want 1", transport.sentCount())
	}
}

func TestScheduledSubmissionDefersDispatch(t *testing.T) {
	actx := newTestApp(t)
	transport := &fakeTransport{}
	engine := NewEngine(actx, &fakeProvider{t: transport})
	defer engine.Shutdown()

	at := time.Now().Add(time.Hour)
	ids := seedContacts(t, actx.DB(), 1, "628111")
	blastID, err := engine.Submit(1, SubmitRequest{Message: "hi", ContactIDs: ids, Scheduled: &at})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var b domain.Blast
	actx.DB().First(&b, blastID)
	if b.Status != domain.BlastScheduled {
		t.Fatalf("status = %s, want scheduled", b.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if transport.sentCount() != 0 {
		t.Fatalf("sends = %d, want 0 before schedule", transport.sentCount())
	}
}

func TestPauseResumeCancelTransitions(t *testing.T) {
	actx := newTestApp(t)
	engine := NewEngine(actx, &fakeProvider{t: nil})
	defer engine.Shutdown()

	b := domain.Blast{
		ID: common.UUIDint64(), TenantID: 1, Status: domain.BlastRunning,
		RecurEnabled: true,
	}
	if err := actx.DB().Create(&b).Error; err != nil {
		t.Fatalf("seed blast: %v", err)
	}

	if err := engine.Pause(1, b.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := engine.Pause(1, b.ID); err == nil {
		t.Fatal("expected error pausing a paused blast")
	}
	if err := engine.Cancel(1, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var got domain.Blast
	actx.DB().First(&got, b.ID)
	if got.Status != domain.BlastCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.RecurEnabled {
		t.Fatal("cancel must disable recurrence")
	}
	if err := engine.Resume(1, b.ID); err == nil {
		t.Fatal("expected error resuming a cancelled blast")
	}
}

func TestRandomDelayBounds(t *testing.T) {
	for speed, bounds := range delayBounds {
		for i := 0; i < 50; i++ {
			d := randomDelay(bounds)
			lo := time.Duration(bounds[0]) * time.Millisecond
			hi := time.Duration(bounds[1]) * time.Millisecond
			if d < lo || d > hi {
				t.Fatalf("%s delay %v outside [%v,%v]", speed, d, lo, hi)
			}
		}
	}
}

func TestSubstituteRecipient(t *testing.T) {
	got := substituteRecipient("hi {name}, your number {phone}", "Budi", "628111")
	if got != "hi Budi, your number 628111" {
		t.Fatalf("unexpected substitution: %q", got)
	}
}
