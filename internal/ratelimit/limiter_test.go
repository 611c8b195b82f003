package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(DefaultConfig())
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "clients are limited independently")

	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"), "one token refills after 500ms at 2 rps")
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiter_Sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Config{Rate: 1, Burst: 1, IdleAfter: time.Minute})
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(45 * time.Second)
	l.Allow("b")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", nil, false, "192.0.2.1"},
		{"forwarded ignored without trust", "192.0.2.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.9"}, false, "192.0.2.1"},
		{"forwarded first hop", "192.0.2.1:5555", map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, true, "203.0.113.9"},
		{"real ip", "192.0.2.1:5555", map[string]string{"X-Real-IP": "198.51.100.7"}, true, "198.51.100.7"},
		{"no port", "192.0.2.1", nil, false, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/hub/viewer", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trustProxy))
		})
	}
}
