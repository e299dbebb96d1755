package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"25", "$25.00"},
		{"0.5", "$0.50"},
		{"45.666", "$45.67"},
		{"1234.5", "$1,234.50"},
		{"1234567.89", "$1,234,567.89"},
		{"-1234.5", "-$1,234.50"},
		{"0", "$0.00"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, formatMoney(money(tc.in)), "formatMoney(%s)", tc.in)
	}
}
