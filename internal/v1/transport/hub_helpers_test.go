package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func ginContext(t *testing.T, target string, header map[string]string) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", target, nil)
	for k, v := range header {
		c.Request.Header.Set(k, v)
	}
	return c
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{
			name:   "authorization header",
			target: "/ws",
			header: map[string]string{"Authorization": "Bearer abc123"},
			want:   "abc123",
		},
		{
			name:   "query parameter",
			target: "/ws?token=xyz789",
			want:   "xyz789",
		},
		{
			name:   "header wins over query",
			target: "/ws?token=from-query",
			header: map[string]string{"Authorization": "Bearer from-header"},
			want:   "from-header",
		},
		{
			name:   "malformed header falls back to query",
			target: "/ws?token=fallback",
			header: map[string]string{"Authorization": "Basic dXNlcg=="},
			want:   "fallback",
		},
		{
			name:   "nothing provided",
			target: "/ws",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bearerToken(ginContext(t, tt.target, tt.header)))
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://app.flylive.example"}

	assert.True(t, originAllowed("", allowed))
	assert.True(t, originAllowed("http://localhost:3000", allowed))
	assert.True(t, originAllowed("https://app.flylive.example", allowed))
	assert.False(t, originAllowed("https://localhost:3000", allowed), "scheme must match")
	assert.False(t, originAllowed("http://localhost:3001", allowed))
	assert.False(t, originAllowed("http://evil.example.com", allowed))
	assert.False(t, originAllowed("::not a url::", allowed))
}
