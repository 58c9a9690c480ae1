package broker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-broker-tests!"

func TestTokenValidator(t *testing.T) {
	v := NewTokenValidator(testSecret)

	token, err := v.IssueToken("tab-1", time.Hour)
	require.NoError(t, err)
	subject, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "tab-1", subject)

	expired, err := v.IssueToken("tab-1", -time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	assert.Error(t, err)

	foreign, err := NewTokenValidator("some-other-secret-of-enough-length").IssueToken("tab-1", time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(foreign)
	assert.Error(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "tab-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.ValidateToken(unsigned)
	assert.Error(t, err)

	noSubject, err := v.IssueToken("", time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(noSubject)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer abc", want: "abc"},
		{name: "query param", query: "?token=xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", query: "?token=xyz", want: "abc"},
		{name: "basic auth", header: "Basic abc", wantErr: true},
		{name: "missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := tokenFromRequest(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
