package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// KeyManager stores per-service credential rings encrypted at rest. The file
// on disk is JSON mapping service name to a list of ciphertexts; writes go
// through a temp file and an atomic rename so a crash never leaves a torn
// key file behind.
type KeyManager struct {
	mu    sync.Mutex
	path  string
	enc   domain.Encryptor
	audit domain.AuditRecorder
	keys  map[string][]string // service -> plaintext keys in ring order
}

func NewKeyManager(path string, enc domain.Encryptor, audit domain.AuditRecorder) *KeyManager {
	return &KeyManager{
		path:  path,
		enc:   enc,
		audit: audit,
		keys:  make(map[string][]string),
	}
}

// Load reads and decrypts the key file. A missing file is an empty store.
func (m *KeyManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read key file: %w", err)
	}
	var stored map[string][]string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	keys := make(map[string][]string, len(stored))
	for service, ciphers := range stored {
		ring := make([]string, 0, len(ciphers))
		for _, c := range ciphers {
			plain, err := m.enc.Decrypt(c)
			if err != nil {
				m.record(domain.AuditDecrypt, service, false, err.Error())
				return fmt.Errorf("decrypt key for %s: %w", service, err)
			}
			ring = append(ring, string(plain))
		}
		keys[service] = ring
	}
	m.keys = keys
	return nil
}

// AddKey appends a key to the service's ring and persists.
func (m *KeyManager) AddKey(service, key string) error {
	if service == "" || key == "" {
		return fmt.Errorf("service and key required: %w", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[service] = append(m.keys[service], key)
	if err := m.saveLocked(); err != nil {
		m.record(domain.AuditKeyCreate, service, false, err.Error())
		return err
	}
	m.record(domain.AuditKeyCreate, service, true, "")
	return nil
}

// Keys returns a copy of the service's ring in current order.
func (m *KeyManager) Keys(service string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.keys[service]
	out := make([]string, len(ring))
	copy(out, ring)
	m.record(domain.AuditKeyRetrieve, service, true, "")
	return out
}

// Rotate moves the front key to the back of the ring and persists. Rings of
// size zero or one are a no-op.
func (m *KeyManager) Rotate(service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.keys[service]
	if len(ring) < 2 {
		return nil
	}
	m.keys[service] = append(ring[1:], ring[0])
	if err := m.saveLocked(); err != nil {
		m.record(domain.AuditKeyRotate, service, false, err.Error())
		return err
	}
	m.record(domain.AuditKeyRotate, service, true, "")
	return nil
}

// Delete removes the whole ring for a service.
func (m *KeyManager) Delete(service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[service]; !ok {
		return fmt.Errorf("service %s: %w", service, domain.ErrNotFound)
	}
	delete(m.keys, service)
	if err := m.saveLocked(); err != nil {
		m.record(domain.AuditKeyDelete, service, false, err.Error())
		return err
	}
	m.record(domain.AuditKeyDelete, service, true, "")
	return nil
}

// Services lists service names in sorted order.
func (m *KeyManager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.keys))
	for s := range m.keys {
		out = append(out, s)
	}
	sort.Strings(out)
	m.record(domain.AuditKeyList, "", true, "")
	return out
}

func (m *KeyManager) saveLocked() error {
	stored := make(map[string][]string, len(m.keys))
	for service, ring := range m.keys {
		ciphers := make([]string, 0, len(ring))
		for _, k := range ring {
			c, err := m.enc.Encrypt([]byte(k))
			if err != nil {
				return fmt.Errorf("encrypt key for %s: %w", service, err)
			}
			ciphers = append(ciphers, c)
		}
		stored[service] = ciphers
	}
	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".keys-*.tmp")
	if err != nil {
		return fmt.Errorf("temp key file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod key file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

func (m *KeyManager) record(action domain.AuditAction, service string, ok bool, errMsg string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(domain.AuditLogEntry{
		Action:       action,
		SubjectID:    service,
		Success:      ok,
		ErrorMessage: errMsg,
	})
}
