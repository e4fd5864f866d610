package safetycode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeIsOrderIndependent(t *testing.T) {
	a := Contact{UserID: "alice", IdentityKey: []byte("alice-identity-key-bytes-000000")}
	b := Contact{UserID: "bob", IdentityKey: []byte("bob-identity-key-bytes-00000000")}
	earKey := []byte("connection-group-ear-key-bytes!")

	ab := Compute(a, b, earKey)
	ba := Compute(b, a, earKey)
	assert.Equal(t, ab, ba)
}

func TestComputeShape(t *testing.T) {
	a := Contact{UserID: "alice", IdentityKey: []byte("alice-identity-key-bytes-000000")}
	b := Contact{UserID: "bob", IdentityKey: []byte("bob-identity-key-bytes-00000000")}
	earKey := []byte("connection-group-ear-key-bytes!")

	code := Compute(a, b, earKey)
	groups := strings.Split(code, " ")
	assert.Len(t, groups, groupCount)
	for _, g := range groups {
		assert.Len(t, g, 3)
		for _, r := range g {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestComputeDiffersForDifferentEARKey(t *testing.T) {
	a := Contact{UserID: "alice", IdentityKey: []byte("alice-identity-key-bytes-000000")}
	b := Contact{UserID: "bob", IdentityKey: []byte("bob-identity-key-bytes-00000000")}

	c1 := Compute(a, b, []byte("ear-key-one-aaaaaaaaaaaaaaaaaaaa"))
	c2 := Compute(a, b, []byte("ear-key-two-bbbbbbbbbbbbbbbbbbbb"))
	assert.NotEqual(t, c1, c2)
}

func TestComputeDeterministic(t *testing.T) {
	a := Contact{UserID: "alice", IdentityKey: []byte("alice-identity-key-bytes-000000")}
	b := Contact{UserID: "bob", IdentityKey: []byte("bob-identity-key-bytes-00000000")}
	earKey := []byte("connection-group-ear-key-bytes!")

	assert.Equal(t, Compute(a, b, earKey), Compute(a, b, earKey))
}
