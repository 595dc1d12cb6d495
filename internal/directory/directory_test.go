package directory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		" +1 (555) 010-2233 ":  "+15550102233",
		"555.010.2233":         "5550102233",
		"Jane.Doe@Example.COM": "jane.doe@example.com",
		"":                     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAddress(in), in)
	}
}

func TestPatientAddress(t *testing.T) {
	phone := "+15550102233"
	p := &Patient{ID: uuid.New(), Phone: &phone}

	addr, ok := p.Address("sms")
	assert.True(t, ok)
	assert.Equal(t, phone, addr)

	_, ok = p.Address("email")
	assert.False(t, ok)

	addr, ok = p.Address("portal")
	assert.True(t, ok)
	assert.Equal(t, p.ID.String(), addr)
}
