package zygote

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Fallengif/Magisk/internal/procfs"
)

func TestRequiredCountMatchesArchitectureWordSize(t *testing.T) {
	want := 1
	switch runtime.GOARCH {
	case "amd64", "arm64", "mips64", "mips64le", "ppc64", "ppc64le", "riscv64", "s390x":
		want = 2
	}
	assert.Equal(t, want, requiredCount())
}

func TestNewRegistryIsEmptyAndNotDone(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Contains(1))
	if requiredCount() > 0 {
		assert.False(t, r.Done())
	}
}

func TestSharesNamespaceWithAnyOnEmptyRegistry(t *testing.T) {
	r := New()
	assert.False(t, r.SharesNamespaceWithAny(procfs.NamespaceID{Dev: 1, Ino: 2}))
}
