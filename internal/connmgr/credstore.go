package connmgr

import (
	"archive/tar"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/talkio/wablast/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
)

var credSalt = []byte("wablast.credential.v1")

// CredStore mirrors the per-tenant protocol credential directory into the
// Session row as an AES-GCM encrypted tar snapshot, so a fresh host can
// re-establish the transport without re-pairing.
type CredStore struct {
	db  *gorm.DB
	key []byte
}

func NewCredStore(db *gorm.DB, secret string) *CredStore {
	return &CredStore{
		db:  db,
		key: pbkdf2.Key([]byte(secret), credSalt, 4096, 32, sha256.New),
	}
}

func (s *CredStore) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *CredStore) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("credential blob too short")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}

func packDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: rel, Mode: 0o600, Size: int64(len(data)), ModTime: info.ModTime()}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackDir(data []byte, dir string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o600); err != nil {
			return err
		}
	}
}

// Mirror snapshots the credential directory into the tenant's Session row.
func (s *CredStore) Mirror(tenantID int64, dir string) error {
	packed, err := packDir(dir)
	if err != nil {
		return fmt.Errorf("pack credential dir: %w", err)
	}
	sealed, err := s.seal(packed)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return s.db.Model(&domain.Session{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{
			"credentials": sealed,
			"updated_at":  time.Now(),
		}).Error
}

// Restore materializes the mirrored snapshot into the credential directory.
// Returns false when no mirror exists. A write failure is retried once after
// recreating the directory; a second failure is logged and tolerated since
// re-pairing remains possible.
func (s *CredStore) Restore(tenantID int64, dir string) (bool, error) {
	var sess domain.Session
	err := s.db.Where("tenant_id = ?", tenantID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(sess.Credentials) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	packed, err := s.open(sess.Credentials)
	if err != nil {
		return false, fmt.Errorf("open credential blob: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, err
	}
	if err := unpackDir(packed, dir); err != nil {
		zap.L().Warn("credential restore failed, recreating directory",
			zap.Int64("tenant_id", tenantID), zap.Error(err))
		_ = os.RemoveAll(dir)
		if err2 := os.MkdirAll(dir, 0o700); err2 != nil {
			return false, err2
		}
		if err2 := unpackDir(packed, dir); err2 != nil {
			zap.L().Error("credential restore retry failed",
				zap.Int64("tenant_id", tenantID), zap.Error(err2))
			return false, nil
		}
	}
	return true, nil
}

// Purge removes both the on-disk directory and the mirrored blob. Used on
// logout and invalidated credentials.
func (s *CredStore) Purge(tenantID int64, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		zap.L().Warn("credential dir purge failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	if err := s.db.Model(&domain.Session{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{
			"credentials": nil,
			"updated_at":  time.Now(),
		}).Error; err != nil {
		zap.L().Warn("credential blob purge failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

// Move relocates credentials from one tenant to another during identity merge.
func (s *CredStore) Move(fromDir, toDir string) error {
	_ = os.RemoveAll(toDir)
	if err := os.MkdirAll(filepath.Dir(toDir), 0o700); err != nil {
		return err
	}
	return os.Rename(fromDir, toDir)
}
