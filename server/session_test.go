package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	appOrigin = "http://localhost:3000"
	appAddr   = "127.0.0.1:12345"
)

func TestSessionManager_SingleHolder(t *testing.T) {
	m := NewSessionManager("", time.Minute, nil)

	token := m.Acquire("", appOrigin, appAddr)
	require.NotEmpty(t, token)
	assert.Empty(t, m.Acquire("", "http://localhost:3001", "127.0.0.1:12346"), "session already claimed")

	m.Release()
	second := m.Acquire("", appOrigin, appAddr)
	require.NotEmpty(t, second)
	assert.NotEqual(t, token, second)
	assert.False(t, m.Validate(token, appOrigin, appAddr), "released token stays invalid")
}

func TestSessionManager_Secret(t *testing.T) {
	m := NewSessionManager("test-secret", time.Minute, nil)

	for _, secret := range []string{"wrong-secret", ""} {
		assert.Empty(t, m.Acquire(secret, appOrigin, appAddr), "secret %q", secret)
	}
	assert.NotEmpty(t, m.Acquire("test-secret", appOrigin, appAddr))

	assert.True(t, NewSessionManager("", time.Second, nil).CheckSecret("anything"))
	assert.False(t, m.CheckSecret(""))
	assert.False(t, m.CheckSecret("nope"))
	assert.True(t, m.CheckSecret("test-secret"))
}

func TestSessionManager_ValidateBinding(t *testing.T) {
	m := NewSessionManager("", time.Minute, nil)
	token := m.Acquire("", appOrigin, appAddr)
	require.NotEmpty(t, token)

	tests := []struct {
		name   string
		token  string
		origin string
		addr   string
		want   bool
	}{
		{"valid", token, appOrigin, appAddr, true},
		{"other source port", token, appOrigin, "127.0.0.1:54321", true},
		{"wrong token", "wrong-token", appOrigin, appAddr, false},
		{"empty token", "", appOrigin, appAddr, false},
		{"wrong origin", token, "http://evil.com", appAddr, false},
		{"wrong host", token, appOrigin, "192.168.1.1:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Validate(tt.token, tt.origin, tt.addr))
		})
	}
}

func TestSessionManager_Timeout(t *testing.T) {
	m := NewSessionManager("", 200*time.Millisecond, nil)
	token := m.Acquire("", appOrigin, appAddr)
	require.NotEmpty(t, token)

	time.Sleep(120 * time.Millisecond)
	m.RefreshTimeout()
	time.Sleep(120 * time.Millisecond)
	assert.True(t, m.Validate(token, appOrigin, appAddr), "refresh extends the session")

	assert.Eventually(t, func() bool {
		return !m.Validate(token, appOrigin, appAddr)
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, m.Acquire("", appOrigin, appAddr), "expired session can be reclaimed")
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", hostOf("127.0.0.1:80"))
	assert.Equal(t, "::1", hostOf("[::1]:443"))
	assert.Equal(t, "pipe", hostOf("pipe"))
}
