// Package connmgr owns the live protocol connection of every tenant: pairing,
// reconnect, identity merge and the credential mirror. All other components
// reach the wire only through Transport handles it lends out.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// EventBus topics published by the manager.
const (
	TopicConnectionQR = "connection.qr"           // (tenantID int64, codes []string)
	TopicConnected    = "connection.connected"    // (tenantID int64, phone string, originalTenantID int64)
	TopicDisconnected = "connection.disconnected" // (tenantID int64, willReconnect bool)
	TopicInbound      = "message.inbound"         // (tenantID int64, msg protocol.InboundMessage)
	TopicReceipt      = "message.receipt"         // (tenantID int64, evt protocol.ReceiptEvent)
)

// ConnectionInfo is the queryable view of one tenant's connection.
type ConnectionInfo struct {
	TenantID int64    `json:"tenant_id,string"`
	Status   string   `json:"status"`
	Phone    string   `json:"phone"`
	QRCodes  []string `json:"qr_codes,omitempty"`
}

type connection struct {
	tenantID          int64
	client            protocol.Client
	status            string
	phone             string
	qrCodes           []string
	suppressReconnect bool
}

// Manager is the connection registry. One instance per process; injected into
// every component that needs a transport.
type Manager struct {
	app    app.AppContext
	dialer protocol.Dialer
	creds  *CredStore

	sf       singleflight.Group
	mu       sync.Mutex
	conns    map[int64]*connection
	limiters map[int64]*rate.Limiter
}

func NewManager(actx app.AppContext, dialer protocol.Dialer) *Manager {
	m := &Manager{
		app:      actx,
		dialer:   dialer,
		creds:    NewCredStore(actx.DB(), actx.Config().Session.CredentialKey),
		conns:    make(map[int64]*connection),
		limiters: make(map[int64]*rate.Limiter),
	}
	m.initJob()
	return m
}

func (m *Manager) initJob() {
	interval := m.app.GetSettingsInt64Value("session", "mirror_interval_min")
	if interval <= 0 {
		interval = 30
	}
	_, err := m.app.Scheduler().AddFunc(fmt.Sprintf("@every %dm", interval), m.MirrorConnected)
	if err != nil {
		zap.S().Errorf("init credential mirror job error %s", err.Error())
	}
}

// Connect establishes (or returns) the tenant's connection. Idempotent:
// concurrent callers collapse onto one dial and an existing live connection is
// returned as-is.
func (m *Manager) Connect(ctx context.Context, tenantID int64) (*ConnectionInfo, error) {
	v, err, _ := m.sf.Do(strconv.FormatInt(tenantID, 10), func() (interface{}, error) {
		m.mu.Lock()
		if c, ok := m.conns[tenantID]; ok && c.status != domain.SessionDisconnected {
			info := infoOf(c)
			m.mu.Unlock()
			return info, nil
		}
		m.mu.Unlock()
		return m.dial(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConnectionInfo), nil
}

func (m *Manager) dial(ctx context.Context, tenantID int64) (*ConnectionInfo, error) {
	var tenant domain.Tenant
	if err := m.app.DB().First(&tenant, tenantID).Error; err != nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, err)
	}

	m.ensureSession(tenantID)
	m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionConnecting})

	dir := m.app.Config().SessionDir(tenantID)
	if _, err := os.Stat(filepath.Join(dir, "session.db")); err != nil {
		if restored, rerr := m.creds.Restore(tenantID, dir); rerr != nil {
			zap.L().Warn("credential restore error", zap.Int64("tenant_id", tenantID), zap.Error(rerr))
		} else if restored {
			zap.L().Info("credentials restored from mirror", zap.Int64("tenant_id", tenantID))
		}
	}

	client, err := m.dialer.Dial(ctx, tenantID, dir)
	if err != nil {
		m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionDisconnected})
		return nil, fmt.Errorf("dial tenant %d: %w", tenantID, err)
	}

	conn := &connection{tenantID: tenantID, client: client, status: domain.SessionConnecting}
	client.SetEventHandler(func(ev protocol.Event) { m.handleEvent(conn, ev) })

	m.mu.Lock()
	if old, ok := m.conns[tenantID]; ok {
		go closeClient(old.client)
	}
	m.conns[tenantID] = conn
	m.mu.Unlock()

	if err := client.Connect(); err != nil {
		m.mu.Lock()
		delete(m.conns, tenantID)
		m.mu.Unlock()
		go closeClient(client)
		m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionDisconnected})
		return nil, fmt.Errorf("connect tenant %d: %w", tenantID, err)
	}

	return infoOf(conn), nil
}

func (m *Manager) handleEvent(conn *connection, ev protocol.Event) {
	switch evt := ev.(type) {
	case protocol.QREvent:
		m.onQR(conn, evt)
	case protocol.ConnectedEvent:
		m.onConnected(conn, evt)
	case protocol.DisconnectedEvent:
		m.onDisconnected(conn)
	case protocol.LoggedOutEvent:
		m.onLoggedOut(conn)
	case protocol.InboundMessage:
		m.mu.Lock()
		tenantID := conn.tenantID
		m.mu.Unlock()
		m.app.Bus().Publish(TopicInbound, tenantID, evt)
	case protocol.ReceiptEvent:
		m.mu.Lock()
		tenantID := conn.tenantID
		m.mu.Unlock()
		m.app.Bus().Publish(TopicReceipt, tenantID, evt)
	}
}

func (m *Manager) onQR(conn *connection, evt protocol.QREvent) {
	m.mu.Lock()
	conn.status = domain.SessionQRPending
	conn.qrCodes = evt.Codes
	tenantID := conn.tenantID
	m.mu.Unlock()

	m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionQRPending})
	m.app.Bus().Publish(TopicConnectionQR, tenantID, evt.Codes)
	zap.L().Info("pairing codes issued", zap.Int64("tenant_id", tenantID), zap.Int("codes", len(evt.Codes)))
}

// onConnected finishes authentication and, when the account's phone already
// belongs to another tenant, merges this connection into that tenant: the live
// client and the on-disk credentials move, the transient tenant is deleted and
// the connected event is re-emitted under the resolved id. The whole merge
// runs under the registry lock.
func (m *Manager) onConnected(conn *connection, evt protocol.ConnectedEvent) {
	m.mu.Lock()
	original := conn.tenantID
	resolved := original

	if evt.PhoneJID != "" {
		var owner domain.Session
		err := m.app.DB().
			Where("phone = ? and tenant_id <> ?", evt.PhoneJID, original).
			First(&owner).Error
		if err == nil {
			resolved = owner.TenantID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Error("identity lookup failed", zap.Int64("tenant_id", original), zap.Error(err))
		}
	}

	if resolved != original {
		delete(m.conns, original)
		if old, ok := m.conns[resolved]; ok {
			go closeClient(old.client)
		}
		conn.tenantID = resolved
		m.conns[resolved] = conn

		cfg := m.app.Config()
		if err := m.creds.Move(cfg.SessionDir(original), cfg.SessionDir(resolved)); err != nil {
			zap.L().Error("credential move failed",
				zap.Int64("from", original), zap.Int64("to", resolved), zap.Error(err))
		}
		m.app.DB().Where("tenant_id = ?", original).Delete(&domain.Session{})
		m.app.DB().Delete(&domain.Tenant{}, original)
		zap.L().Warn("merged transient tenant into phone owner",
			zap.Int64("from", original), zap.Int64("to", resolved), zap.String("phone", evt.PhoneJID))
	}

	conn.status = domain.SessionConnected
	conn.phone = evt.PhoneJID
	conn.qrCodes = nil
	m.mu.Unlock()

	now := time.Now()
	m.updateSession(resolved, map[string]interface{}{
		"status":            domain.SessionConnected,
		"phone":             evt.PhoneJID,
		"last_connected_at": &now,
	})
	if err := m.creds.Mirror(resolved, m.app.Config().SessionDir(resolved)); err != nil {
		zap.L().Warn("credential mirror failed", zap.Int64("tenant_id", resolved), zap.Error(err))
	}
	m.app.Bus().Publish(TopicConnected, resolved, evt.PhoneJID, original)
	zap.L().Info("session connected", zap.Int64("tenant_id", resolved), zap.String("phone", evt.PhoneJID))
}

func (m *Manager) onDisconnected(conn *connection) {
	m.mu.Lock()
	tenantID := conn.tenantID
	suppressed := conn.suppressReconnect
	conn.status = domain.SessionDisconnected
	m.mu.Unlock()

	m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionDisconnected})
	m.app.Bus().Publish(TopicDisconnected, tenantID, !suppressed)

	if suppressed {
		zap.L().Info("session disconnected", zap.Int64("tenant_id", tenantID))
		return
	}

	wait := time.Duration(m.app.Config().Session.ReconnectWaitSec) * time.Second
	zap.L().Warn("socket lost, reconnect scheduled",
		zap.Int64("tenant_id", tenantID), zap.Duration("backoff", wait))
	time.AfterFunc(wait, func() { m.reconnect(tenantID) })
}

// reconnect re-dials after the backoff unless another live connection has
// appeared in the meantime.
func (m *Manager) reconnect(tenantID int64) {
	m.mu.Lock()
	if c, ok := m.conns[tenantID]; ok && c.status != domain.SessionDisconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		zap.L().Error("reconnect failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

// onLoggedOut handles invalidated credentials: terminal, mirror purged,
// re-pairing required.
func (m *Manager) onLoggedOut(conn *connection) {
	m.mu.Lock()
	tenantID := conn.tenantID
	conn.suppressReconnect = true
	conn.status = domain.SessionDisconnected
	delete(m.conns, tenantID)
	client := conn.client
	m.mu.Unlock()

	go closeClient(client)
	m.creds.Purge(tenantID, m.app.Config().SessionDir(tenantID))
	m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionDisconnected})
	m.app.Bus().Publish(TopicDisconnected, tenantID, false)
	zap.L().Warn("session logged out, credentials purged", zap.Int64("tenant_id", tenantID))
}

// Transport returns a send handle for the tenant, nil when not connected.
func (m *Manager) Transport(tenantID int64) protocol.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[tenantID]
	if !ok || c.status != domain.SessionConnected {
		return nil
	}
	perMin := m.app.Config().Blast.SendRatePerMin
	if perMin <= 0 {
		return c.client
	}
	lim, ok := m.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1)
		m.limiters[tenantID] = lim
	}
	return &limitedTransport{t: c.client, lim: lim}
}

// Client returns the raw protocol client for media operations, nil when not
// connected.
func (m *Manager) Client(tenantID int64) protocol.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[tenantID]
	if !ok || c.status != domain.SessionConnected {
		return nil
	}
	return c.client
}

// Disconnect drops the socket without invalidating credentials. The tenant can
// reconnect later without re-pairing.
func (m *Manager) Disconnect(tenantID int64) {
	m.mu.Lock()
	c, ok := m.conns[tenantID]
	if ok {
		c.suppressReconnect = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	go c.client.Disconnect()
}

// Logout invalidates the remote credentials and purges the local mirror.
func (m *Manager) Logout(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	c, ok := m.conns[tenantID]
	if ok {
		c.suppressReconnect = true
	}
	m.mu.Unlock()

	if !ok {
		m.creds.Purge(tenantID, m.app.Config().SessionDir(tenantID))
		m.updateSession(tenantID, map[string]interface{}{"status": domain.SessionDisconnected})
		return nil
	}
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout tenant %d: %w", tenantID, err)
	}
	return nil
}

// Status reports the connection state, falling back to the persisted Session
// row when no in-memory connection exists.
func (m *Manager) Status(tenantID int64) ConnectionInfo {
	m.mu.Lock()
	if c, ok := m.conns[tenantID]; ok {
		info := *infoOf(c)
		m.mu.Unlock()
		return info
	}
	m.mu.Unlock()

	var sess domain.Session
	if err := m.app.DB().Where("tenant_id = ?", tenantID).First(&sess).Error; err != nil {
		return ConnectionInfo{TenantID: tenantID, Status: domain.SessionDisconnected}
	}
	return ConnectionInfo{TenantID: tenantID, Status: sess.Status, Phone: sess.Phone}
}

// RestoreSessions re-dials every session that was live at last shutdown.
func (m *Manager) RestoreSessions(ctx context.Context) {
	var sessions []domain.Session
	m.app.DB().
		Where("status in ?", []string{domain.SessionConnected, domain.SessionQRPending}).
		Find(&sessions)
	for _, sess := range sessions {
		go func(tenantID int64) {
			if _, err := m.Connect(ctx, tenantID); err != nil {
				zap.L().Error("session restore failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
			}
		}(sess.TenantID)
	}
	if len(sessions) > 0 {
		zap.L().Info("restoring sessions", zap.Int("count", len(sessions)))
	}
}

// MirrorConnected refreshes the credential mirror of every connected tenant.
func (m *Manager) MirrorConnected() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	m.mu.Lock()
	ids := make([]int64, 0, len(m.conns))
	for id, c := range m.conns {
		if c.status == domain.SessionConnected {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.creds.Mirror(id, m.app.Config().SessionDir(id)); err != nil {
			zap.L().Warn("credential mirror failed", zap.Int64("tenant_id", id), zap.Error(err))
		}
	}
}

// Shutdown disconnects every live client without purging credentials.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		c.suppressReconnect = true
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		closeClient(c.client)
	}
}

func (m *Manager) ensureSession(tenantID int64) {
	var count int64
	m.app.DB().Model(&domain.Session{}).Where("tenant_id = ?", tenantID).Count(&count)
	if count == 0 {
		if err := m.app.DB().Create(&domain.Session{
			ID:       common.UUIDint64(),
			TenantID: tenantID,
			Status:   domain.SessionConnecting,
		}).Error; err != nil {
			zap.L().Error("create session row failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
	}
}

func (m *Manager) updateSession(tenantID int64, updates map[string]interface{}) {
	updates["updated_at"] = time.Now()
	if err := m.app.DB().Model(&domain.Session{}).
		Where("tenant_id = ?", tenantID).
		Updates(updates).Error; err != nil {
		zap.L().Error("update session failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

func infoOf(c *connection) *ConnectionInfo {
	return &ConnectionInfo{
		TenantID: c.tenantID,
		Status:   c.status,
		Phone:    c.phone,
		QRCodes:  append([]string(nil), c.qrCodes...),
	}
}

func closeClient(c protocol.Client) {
	c.Disconnect()
	if err := c.Close(); err != nil {
		zap.L().Debug("client close", zap.Error(err))
	}
}

type limitedTransport struct {
	t   protocol.Transport
	lim *rate.Limiter
}

func (l *limitedTransport) SendText(ctx context.Context, to string, text string) (protocol.SendResult, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return protocol.SendResult{}, err
	}
	return l.t.SendText(ctx, to, text)
}

func (l *limitedTransport) SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (protocol.SendResult, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return protocol.SendResult{}, err
	}
	return l.t.SendImage(ctx, to, caption, data, mimeType)
}
