package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionPaid(t *testing.T) {
	for status, want := range map[string]bool{
		StatusPaid:              true,
		StatusNoPaymentRequired: true,
		StatusUnpaid:            false,
		"":                      false,
	} {
		s := Session{PaymentStatus: status}
		assert.Equal(t, want, s.Paid(), status)
	}
}

func TestSessionMeta(t *testing.T) {
	var s Session
	assert.Empty(t, s.Meta(MetaBuyerID))

	s.Metadata = map[string]string{MetaBuyerID: "u1"}
	assert.Equal(t, "u1", s.Meta(MetaBuyerID))
	assert.Empty(t, s.Meta(MetaProductID))
}
