package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultctl/walletctl/internal/crypto"
)

const (
	// Default session timeout (30 minutes)
	DefaultSessionTimeout = 30 * time.Minute
	// Session file permissions (read/write for user only)
	SessionFileMode = 0600
)

var (
	// ErrNoSession is returned when no unlock session is stored
	ErrNoSession = errors.New("no active session")

	// ErrExpired is returned, and the session file removed, once a session
	// has outlived its timeout
	ErrExpired = errors.New("session expired")
)

// KeySource supplies the key that wraps the per-session key
type KeySource interface {
	WrappingKey(ctx context.Context) ([]byte, error)
}

// SessionData is the on-disk form of an unlock session. The master key is
// sealed under a random session key, which is sealed under the wrapping key.
type SessionData struct {
	WalletID           string    `json:"wallet_id"`
	EncryptedMasterKey string    `json:"encrypted_master_key"` // base64, nonce prepended
	SessionKey         string    `json:"session_key"`          // base64, nonce prepended
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// SessionManager handles session management
type SessionManager struct {
	sessionPath string
	timeout     time.Duration
	keys        KeySource
	engine      *crypto.Engine
	now         func() time.Time
}

// NewSessionManager creates a session manager. A nil keys falls back to a
// key derived from the local user and host.
func NewSessionManager(sessionPath string, timeout time.Duration, keys KeySource) *SessionManager {
	engine := crypto.NewEngine(nil)
	if keys == nil {
		keys = HostKeySource{engine: engine}
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionManager{
		sessionPath: sessionPath,
		timeout:     timeout,
		keys:        keys,
		engine:      engine,
		now:         time.Now,
	}
}

// HostKeySource derives the wrapping key from user-specific data. It only
// keeps a session file from being useful on another account or machine.
type HostKeySource struct {
	engine *crypto.Engine
}

// WrappingKey derives the key with Argon2id over home dir, user and host
func (h HostKeySource) WrappingKey(context.Context) ([]byte, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	hostname, _ := os.Hostname()

	engine := h.engine
	if engine == nil {
		engine = crypto.NewEngine(nil)
	}
	salt := engine.Hash([]byte(fmt.Sprintf("%s:%s:walletctl", homeDir, hostname)))
	return engine.Provider().KDF([]byte(homeDir+username), salt[:crypto.SaltSize], crypto.KDFParams{
		Memory:      32 * 1024, // 32 MB
		Iterations:  2,
		Parallelism: 1,
	}), nil
}

// SaveSession stores masterKey for walletID until the timeout passes
func (sm *SessionManager) SaveSession(ctx context.Context, walletID string, masterKey []byte) error {
	wrapping, err := sm.keys.WrappingKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get wrapping key: %w", err)
	}
	defer crypto.Wipe(wrapping)

	sessionKey, err := sm.engine.RandomBytes(crypto.KeySize)
	if err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}
	defer crypto.Wipe(sessionKey)

	encryptedMasterKey, err := sm.engine.EncryptOpaque(masterKey, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt master key: %w", err)
	}
	encryptedSessionKey, err := sm.engine.EncryptOpaque(sessionKey, wrapping)
	if err != nil {
		return fmt.Errorf("failed to encrypt session key: %w", err)
	}

	now := sm.now()
	data, err := json.Marshal(SessionData{
		WalletID:           walletID,
		EncryptedMasterKey: base64.StdEncoding.EncodeToString(encryptedMasterKey),
		SessionKey:         base64.StdEncoding.EncodeToString(encryptedSessionKey),
		CreatedAt:          now,
		ExpiresAt:          now.Add(sm.timeout),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(sm.sessionPath), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(sm.sessionPath, data, SessionFileMode); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// LoadSession returns the cached wallet id and master key. The caller must
// wipe the key.
func (sm *SessionManager) LoadSession(ctx context.Context) (walletID string, masterKey []byte, err error) {
	raw, err := os.ReadFile(sm.sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, ErrNoSession
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if sm.now().After(data.ExpiresAt) {
		_ = sm.ClearSession()
		return "", nil, ErrExpired
	}

	encryptedSessionKey, err := base64.StdEncoding.DecodeString(data.SessionKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode session key: %w", err)
	}
	encryptedMasterKey, err := base64.StdEncoding.DecodeString(data.EncryptedMasterKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode master key: %w", err)
	}

	wrapping, err := sm.keys.WrappingKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get wrapping key: %w", err)
	}
	defer crypto.Wipe(wrapping)

	sessionKey, err := sm.engine.DecryptMerged(encryptedSessionKey, wrapping)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decrypt session key: %w", err)
	}
	defer crypto.Wipe(sessionKey)

	masterKey, err = sm.engine.DecryptMerged(encryptedMasterKey, sessionKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decrypt master key: %w", err)
	}
	return data.WalletID, masterKey, nil
}

// ClearSession removes the session file
func (sm *SessionManager) ClearSession() error {
	if err := os.Remove(sm.sessionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// HasActiveSession checks if there's an unexpired session
func (sm *SessionManager) HasActiveSession(ctx context.Context) bool {
	_, key, err := sm.LoadSession(ctx)
	if err != nil {
		return false
	}
	crypto.Wipe(key)
	return true
}

// GetSessionPath returns the session file path
func (sm *SessionManager) GetSessionPath() string {
	return sm.sessionPath
}
