package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashNormalises(t *testing.T) {
	assert.Equal(t, Hash("device-1"), Hash("  DEVICE-1  "))
	assert.NotEqual(t, Hash("device-1"), Hash("device-2"))
	assert.Len(t, string(Hash("device-1")), 64)
}

func TestHashEmptyInputStaysEmpty(t *testing.T) {
	assert.True(t, Hash("").IsZero())
	assert.True(t, Hash("   ").IsZero())
	assert.True(t, HashPhone("").IsZero())
	assert.True(t, HashEmail("").IsZero())
}

func TestHashPhoneStripsSeparators(t *testing.T) {
	want := HashPhone("+2348012345678")
	assert.Equal(t, want, HashPhone("+234 801 234 5678"))
	assert.Equal(t, want, HashPhone("+234-801-234-5678"))
	assert.Equal(t, want, HashPhone("(234) 8012345678"))
}

func TestHashEmailCanonicalises(t *testing.T) {
	assert.Equal(t, HashEmail("user@example.com"), HashEmail(" USER@Example.COM "))
}

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Hash("22212345678"), Hash("22212345678"))
}
