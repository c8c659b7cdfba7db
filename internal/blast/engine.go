// Package blast runs bulk outbound campaigns: submission, the paced dispatch
// loop, pause/resume/cancel, receipt feedback and the recurrence scheduler.
package blast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransportProvider lends out a tenant's live send handle.
type TransportProvider interface {
	Transport(tenantID int64) protocol.Transport
}

// Inter-recipient delay bounds per speed policy, in milliseconds.
var delayBounds = map[string][2]int{
	domain.SpeedNormal: {3000, 5000},
	domain.SpeedSlow:   {5000, 10000},
	domain.SpeedRandom: {3000, 15000},
}

const maxErrorLen = 500

// SubmitRequest describes one campaign submission.
type SubmitRequest struct {
	Name       string     `json:"name"`
	Message    string     `json:"message"`
	MediaURL   string     `json:"media_url"`
	Speed      string     `json:"speed"`
	ContactIDs []int64    `json:"contact_ids"`
	Scheduled  *time.Time `json:"scheduled_at"`

	RecurEnabled bool       `json:"recur_enabled"`
	RecurStart   *time.Time `json:"recur_start"`
	RecurEnd     *time.Time `json:"recur_end"`
	RecurDays    string     `json:"recur_days"`
	RecurTime    string     `json:"recur_time"`
}

// Engine owns campaign dispatch. Every running dispatch loop is a tracked task
// on a shared worker pool so pause/cancel/shutdown can reach it.
type Engine struct {
	app        app.AppContext
	transports TransportProvider
	pool       *ants.Pool

	mu   sync.Mutex
	runs map[int64]struct{}

	// sleep is swapped out by tests to observe delays without waiting.
	sleep func(time.Duration)
}

func NewEngine(actx app.AppContext, transports TransportProvider) *Engine {
	size := actx.Config().Blast.PoolSize
	pool, err := ants.NewPool(size)
	if err != nil {
		zap.S().Panicf("blast pool init error %s", err.Error())
	}
	return &Engine{
		app:        actx,
		transports: transports,
		pool:       pool,
		runs:       make(map[int64]struct{}),
		sleep:      time.Sleep,
	}
}

// Shutdown stops accepting dispatch work. Running loops stop at their next
// status check once their blast rows are no longer RUNNING.
func (e *Engine) Shutdown() {
	e.pool.Release()
}

// Submit validates the recipient set, atomically creates the Blast and its
// per-recipient rows, and starts dispatch unless the campaign is scheduled.
func (e *Engine) Submit(tenantID int64, req SubmitRequest) (int64, error) {
	if req.Message == "" && req.MediaURL == "" {
		return 0, errors.New("empty template")
	}
	if len(req.ContactIDs) == 0 {
		return 0, errors.New("no recipients")
	}
	speed := req.Speed
	if speed == "" {
		speed = domain.SpeedNormal
	}
	if _, ok := delayBounds[speed]; !ok {
		return 0, fmt.Errorf("unknown speed policy %q", speed)
	}

	var contacts []domain.Contact
	if err := e.app.DB().
		Where("tenant_id = ? and id in ?", tenantID, req.ContactIDs).
		Find(&contacts).Error; err != nil {
		return 0, err
	}
	byID := make(map[int64]*domain.Contact, len(contacts))
	for i := range contacts {
		byID[contacts[i].ID] = &contacts[i]
	}
	for _, id := range req.ContactIDs {
		c, ok := byID[id]
		if !ok {
			return 0, fmt.Errorf("contact %d not found for tenant", id)
		}
		if c.Blocked {
			return 0, fmt.Errorf("contact %d is blocked", id)
		}
	}

	status := domain.BlastRunning
	if req.Scheduled != nil || req.RecurEnabled {
		status = domain.BlastScheduled
	}

	blast := domain.Blast{
		ID:           common.UUIDint64(),
		TenantID:     tenantID,
		Name:         req.Name,
		Message:      req.Message,
		MediaURL:     req.MediaURL,
		Speed:        speed,
		Status:       status,
		Total:        len(req.ContactIDs),
		ScheduledAt:  req.Scheduled,
		RecurEnabled: req.RecurEnabled,
		RecurStart:   req.RecurStart,
		RecurEnd:     req.RecurEnd,
		RecurDays:    req.RecurDays,
		RecurTime:    req.RecurTime,
	}

	err := e.app.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&blast).Error; err != nil {
			return err
		}
		msgs := make([]domain.BlastMessage, 0, len(req.ContactIDs))
		for _, id := range req.ContactIDs {
			msgs = append(msgs, domain.BlastMessage{
				ID:        common.UUIDint64(),
				BlastID:   blast.ID,
				ContactID: id,
				TenantID:  tenantID,
				Phone:     byID[id].Phone,
				Status:    domain.BlastMsgQueued,
			})
		}
		return tx.CreateInBatches(msgs, 200).Error
	})
	if err != nil {
		return 0, fmt.Errorf("create blast: %w", err)
	}

	zap.L().Info("blast submitted",
		zap.Int64("tenant_id", tenantID),
		zap.Int64("blast_id", blast.ID),
		zap.Int("recipients", blast.Total),
		zap.String("status", status))

	if status == domain.BlastRunning {
		e.dispatchAsync(blast.ID)
	}
	return blast.ID, nil
}

// dispatchAsync starts the dispatch loop on the pool. A blast already being
// dispatched is left alone.
func (e *Engine) dispatchAsync(blastID int64) {
	e.mu.Lock()
	if _, running := e.runs[blastID]; running {
		e.mu.Unlock()
		return
	}
	e.runs[blastID] = struct{}{}
	e.mu.Unlock()

	err := e.pool.Submit(func() {
		defer func() {
			e.mu.Lock()
			delete(e.runs, blastID)
			e.mu.Unlock()
			if err := recover(); err != nil {
				zap.S().Errorf("blast dispatch panic: %v", err)
			}
		}()
		e.dispatch(blastID)
	})
	if err != nil {
		e.mu.Lock()
		delete(e.runs, blastID)
		e.mu.Unlock()
		zap.L().Error("blast dispatch submit failed", zap.Int64("blast_id", blastID), zap.Error(err))
	}
}

// dispatch walks the QUEUED recipients in submission order. Before every send
// it re-checks the blast status so pause/cancel take effect at the next
// recipient boundary, and re-acquires the transport so a reconnected session
// is picked up.
func (e *Engine) dispatch(blastID int64) {
	db := e.app.DB()

	var blast domain.Blast
	if err := db.First(&blast, blastID).Error; err != nil {
		zap.L().Error("dispatch load blast failed", zap.Int64("blast_id", blastID), zap.Error(err))
		return
	}

	var media []byte
	var mediaMime string
	if blast.MediaURL != "" {
		var err error
		media, mediaMime, err = fetchTemplateMedia(blast.MediaURL)
		if err != nil {
			// Without text to fall back on there is nothing sendable.
			if blast.Message == "" {
				e.markBlastFailed(blastID, fmt.Sprintf("template media unavailable: %v", err))
				return
			}
			zap.L().Warn("blast media fetch failed, sending text only",
				zap.Int64("blast_id", blastID), zap.Error(err))
		}
	}

	var queue []domain.BlastMessage
	if err := db.Where("blast_id = ? and status = ?", blastID, domain.BlastMsgQueued).
		Order("id asc").
		Find(&queue).Error; err != nil {
		zap.L().Error("dispatch load queue failed", zap.Int64("blast_id", blastID), zap.Error(err))
		return
	}

	bounds := delayBounds[blast.Speed]
	if bounds == [2]int{} {
		bounds = delayBounds[domain.SpeedNormal]
	}

	for i := range queue {
		var current domain.Blast
		if err := db.Select("status", "tenant_id").First(&current, blastID).Error; err != nil {
			zap.L().Error("dispatch status check failed", zap.Int64("blast_id", blastID), zap.Error(err))
			return
		}
		if current.Status != domain.BlastRunning {
			zap.L().Info("blast dispatch stopped",
				zap.Int64("blast_id", blastID), zap.String("status", current.Status))
			return
		}

		transport := e.transports.Transport(blast.TenantID)
		if transport == nil {
			e.markBlastFailed(blastID, "no transport available")
			return
		}

		e.sendOne(&blast, &queue[i], transport, media, mediaMime)

		if i < len(queue)-1 {
			e.sleep(randomDelay(bounds))
		}
	}

	now := time.Now()
	res := db.Model(&domain.Blast{}).
		Where("id = ? and status = ?", blastID, domain.BlastRunning).
		Updates(map[string]interface{}{
			"status":       domain.BlastCompleted,
			"completed_at": &now,
			"updated_at":   now,
		})
	if res.Error == nil && res.RowsAffected > 0 {
		zap.L().Info("blast completed", zap.Int64("blast_id", blastID))
	}
}

func (e *Engine) sendOne(blast *domain.Blast, msg *domain.BlastMessage, transport protocol.Transport, media []byte, mediaMime string) {
	db := e.app.DB()

	text := blast.Message
	var contact domain.Contact
	if err := db.First(&contact, msg.ContactID).Error; err == nil {
		text = substituteRecipient(text, contact.Name, contact.Phone)
	} else {
		text = substituteRecipient(text, "", msg.Phone)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	attempts := 1 + int(e.app.GetSettingsInt64Value("blast", "max_retry"))
	var res protocol.SendResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if len(media) > 0 {
			res, err = transport.SendImage(ctx, msg.Phone, text, media, mediaMime)
		} else {
			res, err = transport.SendText(ctx, msg.Phone, text)
		}
		if err == nil {
			break
		}
		if attempt < attempts-1 {
			zap.L().Debug("blast send retry",
				zap.Int64("blast_id", blast.ID), zap.String("phone", msg.Phone), zap.Error(err))
		}
	}

	now := time.Now()
	if err != nil {
		db.Model(&domain.BlastMessage{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"status":     domain.BlastMsgFailed,
			"error":      common.TruncateString(err.Error(), maxErrorLen),
			"failed_at":  &now,
			"updated_at": now,
		})
		db.Model(&domain.Blast{}).Where("id = ?", blast.ID).
			Updates(map[string]interface{}{
				"failed_count": gorm.Expr("failed_count + 1"),
				"updated_at":   now,
			})
		zap.L().Warn("blast send failed",
			zap.Int64("blast_id", blast.ID), zap.String("phone", msg.Phone), zap.Error(err))
		return
	}

	db.Model(&domain.BlastMessage{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"status":      domain.BlastMsgSent,
		"external_id": res.ExternalID,
		"sent_at":     &now,
		"updated_at":  now,
	})
	db.Model(&domain.Blast{}).Where("id = ?", blast.ID).
		Updates(map[string]interface{}{
			"sent_count": gorm.Expr("sent_count + 1"),
			"updated_at": now,
		})
}

func (e *Engine) markBlastFailed(blastID int64, reason string) {
	now := time.Now()
	e.app.DB().Model(&domain.Blast{}).Where("id = ?", blastID).Updates(map[string]interface{}{
		"status":     domain.BlastFailed,
		"updated_at": now,
	})
	zap.L().Error("blast failed", zap.Int64("blast_id", blastID), zap.String("reason", reason))
}

// Pause suspends a running blast at its next recipient boundary.
func (e *Engine) Pause(tenantID, blastID int64) error {
	return e.transition(tenantID, blastID,
		[]string{domain.BlastRunning}, domain.BlastPaused, nil)
}

// Resume continues a paused blast from its remaining QUEUED recipients.
func (e *Engine) Resume(tenantID, blastID int64) error {
	if err := e.transition(tenantID, blastID,
		[]string{domain.BlastPaused}, domain.BlastRunning, nil); err != nil {
		return err
	}
	e.dispatchAsync(blastID)
	return nil
}

// Cancel terminally stops a blast and disables its recurrence.
func (e *Engine) Cancel(tenantID, blastID int64) error {
	return e.transition(tenantID, blastID,
		[]string{domain.BlastScheduled, domain.BlastRunning, domain.BlastPaused},
		domain.BlastCancelled,
		map[string]interface{}{"recur_enabled": false})
}

func (e *Engine) transition(tenantID, blastID int64, from []string, to string, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := e.app.DB().Model(&domain.Blast{}).
		Where("id = ? and tenant_id = ? and status in ?", blastID, tenantID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("blast %d not in %v", blastID, from)
	}
	zap.L().Info("blast status changed", zap.Int64("blast_id", blastID), zap.String("status", to))
	return nil
}

func randomDelay(bounds [2]int) time.Duration {
	span := bounds[1] - bounds[0]
	ms := bounds[0]
	if span > 0 {
		ms += rand.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func substituteRecipient(text, name, phone string) string {
	text = strings.ReplaceAll(text, "{name}", name)
	return strings.ReplaceAll(text, "{phone}", phone)
}

// fetchTemplateMedia pulls the campaign attachment once per dispatch run.
func fetchTemplateMedia(url string) ([]byte, string, error) {
	hc := &http.Client{Timeout: time.Minute}
	resp, err := hc.Get(url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}
