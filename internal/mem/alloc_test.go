package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAligned(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		align int
	}{
		{name: "default alignment", size: 1024, align: 0},
		{name: "32 byte", size: 4096, align: 32},
		{name: "64 byte", size: 4096, align: 64},
		{name: "odd size", size: 100, align: 64},
		{name: "tiny", size: 1, align: 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := AllocAligned(tt.size, tt.align)
			require.Len(t, b, tt.size)
			assert.True(t, IsAligned(b, tt.align))
		})
	}
}

func TestAllocAlignedZeroSize(t *testing.T) {
	assert.Nil(t, AllocAligned(0, 64))
}

func TestAllocAlignedWritable(t *testing.T) {
	b := AllocAligned(256, 32)
	for i := range b {
		b[i] = byte(i)
	}
	assert.Equal(t, byte(255), b[255])
}
