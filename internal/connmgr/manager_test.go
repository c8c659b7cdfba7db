package connmgr

import (
	"context"
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
	cfg.Session.CredentialKey = "test-key"
	cfg.Session.ReconnectWaitSec = 0
	return app.NewTestApplication(cfg, db)
}

func seedTenant(t *testing.T, db *gorm.DB, name string) int64 {
	t.Helper()
	tenant := domain.Tenant{ID: common.UUIDint64(), Name: name, Status: common.ENABLED}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant.ID
}

// fakeClient emits a scripted event sequence when Connect is called.
type fakeClient struct {
	mu        sync.Mutex
	handler   func(protocol.Event)
	onConnect []protocol.Event
	phone     string
	closed    bool
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	h := f.handler
	evts := f.onConnect
	f.mu.Unlock()
	for _, ev := range evts {
		h(ev)
	}
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(protocol.DisconnectedEvent{})
	}
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(protocol.LoggedOutEvent{})
	}
	return nil
}

func (f *fakeClient) IsConnected() bool { return true }
func (f *fakeClient) PhoneJID() string  { return f.phone }

func (f *fakeClient) SetEventHandler(h func(protocol.Event)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeClient) SendText(context.Context, string, string) (protocol.SendResult, error) {
	return protocol.SendResult{ExternalID: "EXT"}, nil
}

func (f *fakeClient) SendImage(context.Context, string, string, []byte, string) (protocol.SendResult, error) {
	return protocol.SendResult{ExternalID: "EXT"}, nil
}

func (f *fakeClient) Download(context.Context, *protocol.MediaRef) ([]byte, error) {
	return nil, protocol.ErrNotConnected
}

func (f *fakeClient) DownloadWithDescriptor(context.Context, *protocol.MediaRef) ([]byte, error) {
	return nil, protocol.ErrNotConnected
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	nextEvt func() []protocol.Event
	phone   string
}

func (d *fakeDialer) Dial(_ context.Context, _ int64, _ string) (protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &fakeClient{onConnect: d.nextEvt(), phone: d.phone}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func connectedDialer(phone string) *fakeDialer {
	return &fakeDialer{
		phone:   phone,
		nextEvt: func() []protocol.Event { return []protocol.Event{protocol.ConnectedEvent{PhoneJID: phone}} },
	}
}

func TestConnectIdempotent(t *testing.T) {
	actx := newTestApp(t)
	dialer := connectedDialer("628111@s.whatsapp.net")
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Connect(context.Background(), tenantID); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dialCount())
	}

	info := m.Status(tenantID)
	if info.Status != domain.SessionConnected || info.Phone != "628111@s.whatsapp.net" {
		t.Fatalf("status = %+v", info)
	}

	var sess domain.Session
	if err := actx.DB().Where("tenant_id = ?", tenantID).First(&sess).Error; err != nil {
		t.Fatalf("session row: %v", err)
	}
	if sess.Status != domain.SessionConnected || sess.LastConnectedAt == nil {
		t.Fatalf("session row = %+v", sess)
	}
}

func TestQRPendingState(t *testing.T) {
	actx := newTestApp(t)
	dialer := &fakeDialer{nextEvt: func() []protocol.Event {
		return []protocol.Event{protocol.QREvent{Codes: []string{"qr-1", "qr-2"}}}
	}}
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("connect: %v", err)
	}

	info := m.Status(tenantID)
	if info.Status != domain.SessionQRPending {
		t.Fatalf("status = %s, want qr_pending", info.Status)
	}
	if len(info.QRCodes) != 2 || info.QRCodes[0] != "qr-1" {
		t.Fatalf("qr codes = %v", info.QRCodes)
	}
	if m.Transport(tenantID) != nil {
		t.Fatal("transport must be nil before connected")
	}
}

func TestIdentityMerge(t *testing.T) {
	actx := newTestApp(t)
	const phone = "628999@s.whatsapp.net"

	ownerID := seedTenant(t, actx.DB(), "owner")
	transientID := seedTenant(t, actx.DB(), "transient")
	actx.DB().Create(&domain.Session{
		ID: common.UUIDint64(), TenantID: ownerID,
		Status: domain.SessionDisconnected, Phone: phone,
	})

	m := NewManager(actx, connectedDialer(phone))
	if _, err := m.Connect(context.Background(), transientID); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if m.Transport(ownerID) == nil {
		t.Fatal("merged connection must live under the owner tenant")
	}
	if m.Transport(transientID) != nil {
		t.Fatal("transient tenant must not keep a transport")
	}

	var count int64
	actx.DB().Model(&domain.Tenant{}).Where("id = ?", transientID).Count(&count)
	if count != 0 {
		t.Fatal("transient tenant record must be deleted")
	}
	actx.DB().Model(&domain.Session{}).Where("tenant_id = ?", transientID).Count(&count)
	if count != 0 {
		t.Fatal("transient session row must be deleted")
	}

	var owners int64
	actx.DB().Model(&domain.Session{}).Where("phone = ?", phone).Count(&owners)
	if owners != 1 {
		t.Fatalf("sessions owning phone = %d, want 1", owners)
	}
}

func TestLoggedOutPurgesCredentials(t *testing.T) {
	actx := newTestApp(t)
	dialer := connectedDialer("628111@s.whatsapp.net")
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Logout(context.Background(), tenantID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if m.Transport(tenantID) != nil {
		t.Fatal("transport must be gone after logout")
	}
	var sess domain.Session
	actx.DB().Where("tenant_id = ?", tenantID).First(&sess)
	if sess.Status != domain.SessionDisconnected {
		t.Fatalf("session status = %s, want disconnected", sess.Status)
	}
	if len(sess.Credentials) != 0 {
		t.Fatal("credential mirror must be purged on logout")
	}
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	actx := newTestApp(t)
	dialer := connectedDialer("628111@s.whatsapp.net")
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.mu.Lock()
	conn := m.conns[tenantID]
	m.mu.Unlock()
	conn.client.(*fakeClient).Disconnect() // socket loss, not user initiated

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if dialer.dialCount() == 2 && m.Status(tenantID).Status == domain.SessionConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no reconnect: dials = %d, status = %s", dialer.dialCount(), m.Status(tenantID).Status)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	actx := newTestApp(t)
	dialer := connectedDialer("628111@s.whatsapp.net")
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")

	if _, err := m.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Disconnect(tenantID)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.Status(tenantID).Status == domain.SessionDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect after explicit disconnect)", dialer.dialCount())
	}
}

func TestRestoreSessions(t *testing.T) {
	actx := newTestApp(t)
	dialer := connectedDialer("628111@s.whatsapp.net")
	m := NewManager(actx, dialer)
	tenantID := seedTenant(t, actx.DB(), "a")
	actx.DB().Create(&domain.Session{
		ID: common.UUIDint64(), TenantID: tenantID, Status: domain.SessionConnected,
	})

	m.RestoreSessions(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Transport(tenantID) != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session not restored")
}
