package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthTokenIsUsable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := &AuthToken{
		Token:        "bearer",
		OwnerAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ExpiresAt:    now.Add(time.Hour),
	}

	tests := []struct {
		name    string
		token   *AuthToken
		address string
		now     time.Time
		want    bool
	}{
		{"same address", token, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", now, true},
		{"mixed case address", token, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", now, true},
		{"other address", token, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", now, false},
		{"expired", token, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", now.Add(2 * time.Hour), false},
		{"expiry instant", token, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", now.Add(time.Hour), false},
		{"nil token", nil, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", now, false},
		{"empty bearer", &AuthToken{OwnerAddress: token.OwnerAddress, ExpiresAt: token.ExpiresAt}, token.OwnerAddress, now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.IsUsable(tt.address, tt.now))
		})
	}
}

func TestConnectionStatusTransient(t *testing.T) {
	assert.True(t, StatusConnecting.Transient())
	assert.True(t, StatusReconnecting.Transient())
	assert.False(t, StatusConnected.Transient())
	assert.False(t, StatusDisconnected.Transient())
}

func TestListQueryNormalize(t *testing.T) {
	q := ListQuery{Tab: "active"}.Normalize()
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, 20, q.PageSize)
	assert.Equal(t, "active", q.Tab)
}
