//go:build purego || js

package rampcal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReflectIndex(t *testing.T) {
	cases := []struct{ idx, size, want int }{
		{-1, 5, 1},
		{-2, 5, 2},
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 3},
		{6, 5, 2},
		{-3, 1, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, reflectIndex(c.idx, c.size), "idx %d size %d", c.idx, c.size)
	}
}
