package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	v := New("pg-secret")

	assert.True(t, v.Verify("pg-secret"))
	assert.False(t, v.Verify("wrong"))
	assert.False(t, v.Verify(""))
}

func TestVerify_NilAcceptsEverything(t *testing.T) {
	var v *Verifier
	assert.True(t, v.Verify("anything"))
	assert.True(t, v.Verify(""))
	assert.Nil(t, New(""))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	assert.Equal(t, "", FromRequest(r))

	r.Header.Set("Authorization", "Bearer tok-1")
	assert.Equal(t, "tok-1", FromRequest(r))

	// X-Api-Key wins over Authorization.
	r.Header.Set("X-Api-Key", "key-2")
	assert.Equal(t, "key-2", FromRequest(r))
}
