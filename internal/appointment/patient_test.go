package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"(11) 98765-4321", "+5511987654321"},
		{"11987654321", "+5511987654321"},
		{"+55 11 98765-4321", "+5511987654321"},
		{"  +55 (11) 98765 4321 ", "+5511987654321"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePhoneRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "123", "abc", "+55 11 1234"} {
		t.Run(raw, func(t *testing.T) {
			_, err := NormalizePhone(raw)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "phone", verr.Field)
		})
	}
}
