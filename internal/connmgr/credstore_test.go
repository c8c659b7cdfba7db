package connmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/pkg/common"
)

func TestCredStoreMirrorRestoreRoundtrip(t *testing.T) {
	actx := newTestApp(t)
	store := NewCredStore(actx.DB(), "roundtrip-secret")

	tenantID := seedTenant(t, actx.DB(), "a")
	actx.DB().Create(&domain.Session{
		ID: common.UUIDint64(), TenantID: tenantID, Status: domain.SessionConnected,
	})

	dir := filepath.Join(t.TempDir(), "creds")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("sqlite-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cache.json"), []byte(`{"contacts":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := store.Mirror(tenantID, dir); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	var sess domain.Session
	actx.DB().Where("tenant_id = ?", tenantID).First(&sess)
	if len(sess.Credentials) == 0 {
		t.Fatal("mirror stored no blob")
	}

	restoreDir := filepath.Join(t.TempDir(), "restored")
	restored, err := store.Restore(tenantID, restoreDir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored {
		t.Fatal("restore reported nothing to restore")
	}

	got, err := os.ReadFile(filepath.Join(restoreDir, "session.db"))
	if err != nil || string(got) != "sqlite-bytes" {
		t.Fatalf("restored session.db = %q, err %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(restoreDir, "cache.json"))
	if err != nil || string(got) != `{"contacts":1}` {
		t.Fatalf("restored cache.json = %q, err %v", got, err)
	}
}

func TestCredStoreRestoreWithoutMirror(t *testing.T) {
	actx := newTestApp(t)
	store := NewCredStore(actx.DB(), "secret")
	tenantID := seedTenant(t, actx.DB(), "a")

	restored, err := store.Restore(tenantID, t.TempDir())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored {
		t.Fatal("restore must report false without a mirror")
	}
}

func TestCredStoreWrongKeyFails(t *testing.T) {
	actx := newTestApp(t)
	tenantID := seedTenant(t, actx.DB(), "a")
	actx.DB().Create(&domain.Session{
		ID: common.UUIDint64(), TenantID: tenantID, Status: domain.SessionConnected,
	})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := NewCredStore(actx.DB(), "key-one").Mirror(tenantID, dir); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	if _, err := NewCredStore(actx.DB(), "key-two").Restore(tenantID, t.TempDir()); err == nil {
		t.Fatal("restore with wrong key must fail")
	}
}

func TestCredStorePurge(t *testing.T) {
	actx := newTestApp(t)
	store := NewCredStore(actx.DB(), "secret")
	tenantID := seedTenant(t, actx.DB(), "a")
	actx.DB().Create(&domain.Session{
		ID: common.UUIDint64(), TenantID: tenantID,
		Status: domain.SessionConnected, Credentials: []byte("blob"),
	})

	dir := filepath.Join(t.TempDir(), "creds")
	_ = os.MkdirAll(dir, 0o700)
	store.Purge(tenantID, dir)

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("credential dir must be removed")
	}
	var sess domain.Session
	actx.DB().Where("tenant_id = ?", tenantID).First(&sess)
	if len(sess.Credentials) != 0 {
		t.Fatal("credential blob must be cleared")
	}
}
