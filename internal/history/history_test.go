package history

import (
	"testing"

	constants "pikselo/internal/constants"
)

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, constants.MaxHistoryPageSize},
		{-5, constants.MaxHistoryPageSize},
		{1, 1},
		{500, 500},
		{constants.MaxHistoryPageSize, constants.MaxHistoryPageSize},
		{constants.MaxHistoryPageSize + 1, constants.MaxHistoryPageSize},
		{1 << 30, constants.MaxHistoryPageSize},
	}
	for _, c := range cases {
		if got := ClampLimit(c.in); got != c.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
