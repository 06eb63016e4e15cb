package fastboot_test

import (
	"testing"

	fastboot "github.com/kernelflinger/fastbootd"
)

func TestVerityTreeSizeGrowsWithData(t *testing.T) {
	small := fastboot.VerityTreeSize(4096 * 2)
	large := fastboot.VerityTreeSize(4096 * 1000)
	if small == 0 {
		t.Fatalf("expected a non-zero tree size for a non-trivial payload")
	}
	if large <= small {
		t.Fatalf("expected tree size to grow with data size: small=%d large=%d", small, large)
	}
}

func TestVerityTreeSizeSingleBlockHasNoTree(t *testing.T) {
	if got := fastboot.VerityTreeSize(4096); got != 0 {
		t.Fatalf("a single data block needs no hash tree, got %d", got)
	}
}
