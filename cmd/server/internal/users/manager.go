package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// 认证相关错误
var (
	ErrUserExists       = errors.New("user exists")
	ErrUserNotFound     = errors.New("user not found")
	ErrBadCredentials   = errors.New("invalid username or password")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSecretRequired   = errors.New("secret key required")
	ErrPasswordRequired = errors.New("password required")
)

// User 数据模型
// Password 存储 bcrypt 哈希
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Claims 自定义 JWT claims，携带用户身份供协作通道握手使用
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager 管理用户与 JWT
// 简易文件存储 users/users.json
type Manager struct {
	mu        sync.RWMutex
	users     map[string]*User // username -> user
	byID      map[string]*User // user_id -> user
	secretKey []byte
	storePath string
	tokenTTL  time.Duration
}

// NewManager 创建管理器，secret 用于 JWT 签名
func NewManager(storeDir string, secret []byte, tokenTTL time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	m := &Manager{
		users:     map[string]*User{},
		byID:      map[string]*User{},
		secretKey: secret,
		storePath: filepath.Join(storeDir, "users.json"),
		tokenTTL:  tokenTTL,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load 从文件读取
func (m *Manager) load() error {
	b, err := os.ReadFile(m.storePath)
	if err != nil {
		return nil // first run
	}
	var arr []*User
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	for _, u := range arr {
		m.users[u.Username] = u
		m.byID[u.ID] = u
	}
	return nil
}

// save 写入文件（全量）
func (m *Manager) save() error {
	arr := []*User{}
	for _, u := range m.users {
		arr = append(arr, u)
	}
	b, _ := json.MarshalIndent(arr, "", "  ")
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, b, 0644)
}

// Register 创建用户（用户名唯一）
func (m *Manager) Register(username, password string) (*User, error) {
	if username == "" {
		return nil, errors.New("username required")
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return nil, ErrUserExists
	}
	now := time.Now()
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[username] = u
	m.byID[u.ID] = u
	if err := m.save(); err != nil {
		delete(m.users, username)
		delete(m.byID, u.ID)
		return nil, err
	}
	return sanitize(u), nil
}

// Authenticate 校验用户名密码，成功返回用户
func (m *Manager) Authenticate(username, password string) (*User, error) {
	m.mu.RLock()
	u, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		// 仍执行一次哈希比较，避免通过时延探测用户是否存在
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return sanitize(u), nil
}

// GetUser 按用户名获取
func (m *Manager) GetUser(username string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, false
	}
	return sanitize(u), true
}

// GetByID 按 ID 获取
func (m *Manager) GetByID(id string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return sanitize(u), true
}

// IssueToken 为用户签发访问令牌
func (m *Manager) IssueToken(u *User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ParseToken 解析并校验令牌。过期与无效分别返回 ErrTokenExpired 与
// ErrInvalidToken，协作通道据此选择关闭代码。
func (m *Manager) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// sanitize 复制并隐藏密码哈希，避免外部修改内部状态
func sanitize(u *User) *User {
	cpy := *u
	cpy.PasswordHash = ""
	return &cpy
}
