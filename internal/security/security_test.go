package security_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/security"
)

func newEncryptor(t *testing.T) *security.AESEncryptor {
	t.Helper()
	enc, err := security.NewAESEncryptor("correct horse battery staple", 100_000)
	require.NoError(t, err)
	return enc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	enc := newEncryptor(t)

	ct, err := enc.Encrypt([]byte("bybit-api-key-123"))
	require.NoError(t, err)
	require.NotEmpty(t, ct)
	assert.NotContains(t, ct, "bybit-api-key-123")

	pt, err := enc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "bybit-api-key-123", string(pt))

	// Fresh nonce per call: same plaintext never yields the same ciphertext.
	ct2, err := enc.Encrypt([]byte("bybit-api-key-123"))
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestEncryptorRejectsWeakParams(t *testing.T) {
	t.Parallel()
	_, err := security.NewAESEncryptor("", 100_000)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = security.NewAESEncryptor("pw", 1000)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	t.Parallel()
	enc := newEncryptor(t)
	ct, err := enc.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = enc.Decrypt("AAAA" + ct[4:])
	require.Error(t, err)

	_, err = enc.Decrypt("not base64 at all!!!")
	require.Error(t, err)
}

func TestKeyManagerPersistsEncrypted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc.json")
	enc := newEncryptor(t)
	audit := security.NewAuditLog(100)

	km := security.NewKeyManager(path, enc, audit)
	require.NoError(t, km.Load()) // missing file is fine
	require.NoError(t, km.AddKey("bybit", "key-a"))
	require.NoError(t, km.AddKey("bybit", "key-b"))
	require.NoError(t, km.AddKey("telegram", "tok-1"))

	// Plaintext never touches disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "key-a")
	assert.NotContains(t, string(raw), "tok-1")

	// A fresh manager sees the same rings after Load.
	km2 := security.NewKeyManager(path, enc, audit)
	require.NoError(t, km2.Load())
	assert.Equal(t, []string{"key-a", "key-b"}, km2.Keys("bybit"))
	assert.Equal(t, []string{"bybit", "telegram"}, km2.Services())
}

func TestKeyManagerRotateAndDelete(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keys.enc.json")
	km := security.NewKeyManager(path, newEncryptor(t), nil)
	require.NoError(t, km.AddKey("svc", "k1"))
	require.NoError(t, km.AddKey("svc", "k2"))
	require.NoError(t, km.AddKey("svc", "k3"))

	require.NoError(t, km.Rotate("svc"))
	assert.Equal(t, []string{"k2", "k3", "k1"}, km.Keys("svc"))

	// Single-key ring rotation is a no-op.
	require.NoError(t, km.AddKey("solo", "only"))
	require.NoError(t, km.Rotate("solo"))
	assert.Equal(t, []string{"only"}, km.Keys("solo"))

	require.NoError(t, km.Delete("svc"))
	assert.Empty(t, km.Keys("svc"))
	require.ErrorIs(t, km.Delete("svc"), domain.ErrNotFound)
}

func TestAuditLogRingBound(t *testing.T) {
	t.Parallel()
	log := security.NewAuditLog(5)
	for i := range 8 {
		log.Record(domain.AuditLogEntry{
			Action:    domain.AuditEncrypt,
			SubjectID: string(rune('a' + i)),
			Success:   true,
		})
	}
	assert.Equal(t, 5, log.Len())

	recent := log.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "h", recent[0].SubjectID)
	assert.Equal(t, "g", recent[1].SubjectID)

	// Oldest three were dropped.
	assert.Empty(t, log.Search(domain.AuditEncrypt, "a"))
	assert.Len(t, log.Search(domain.AuditEncrypt, "h"), 1)
}

func TestAuditLogFindFilters(t *testing.T) {
	t.Parallel()
	log := security.NewAuditLog(10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		log.Record(domain.AuditLogEntry{
			Action:    domain.AuditKeyRotate,
			SubjectID: "svc",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Success:   true,
		})
	}
	log.Record(domain.AuditLogEntry{Action: domain.AuditKeyDelete, SubjectID: "other", Timestamp: base, Success: true})

	got := log.Find(security.Query{
		Action: domain.AuditKeyRotate,
		From:   base.Add(time.Minute),
		To:     base.Add(3 * time.Minute),
	})
	require.Len(t, got, 3)
	// Newest first.
	assert.True(t, got[0].Timestamp.After(got[2].Timestamp))

	limited := log.Find(security.Query{SubjectID: "svc", Limit: 2})
	assert.Len(t, limited, 2)
}

func TestAuditLogShipsAsynchronously(t *testing.T) {
	t.Parallel()
	log := security.NewAuditLog(10)
	shipped := make(chan domain.AuditLogEntry, 2)
	log.SetShipper(func(e domain.AuditLogEntry) { shipped <- e })

	log.Record(domain.AuditLogEntry{Action: domain.AuditKeyRotate, SubjectID: "svc", Success: true})
	log.Record(domain.AuditLogEntry{Action: domain.AuditKeyDelete, SubjectID: "svc", Success: false})

	got := map[domain.AuditAction]bool{}
	for range 2 {
		select {
		case e := <-shipped:
			got[e.Action] = true
			assert.NotEmpty(t, e.EntryID)
		case <-time.After(time.Second):
			t.Fatal("shipper was not invoked")
		}
	}
	assert.True(t, got[domain.AuditKeyRotate])
	assert.True(t, got[domain.AuditKeyDelete])
}

func TestAuditLogFillsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	log := security.NewAuditLog(10)
	log.Record(domain.AuditLogEntry{Action: domain.AuditKeyCreate, SubjectID: "svc", Success: true})

	entries := log.Recent(0)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].EntryID)
	assert.False(t, entries[0].Timestamp.IsZero())
}
