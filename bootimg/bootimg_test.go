package bootimg_test

import (
	"testing"

	"github.com/kernelflinger/fastbootd/bootimg"
)

const pageSize = 4096

func buildImage(t *testing.T, kernel, ramdisk, trailer []byte) []byte {
	t.Helper()
	header := make([]byte, 1632)
	copy(header[0:8], "ANDROID!")
	putLE32(header, 8, uint32(len(kernel)))
	putLE32(header, 16, uint32(len(ramdisk)))
	putLE32(header, 36, pageSize)

	out := make([]byte, 0, pageAlign(len(header))+pageAlign(len(kernel))+pageAlign(len(ramdisk))+len(trailer))
	out = append(out, header...)
	out = pad(out, pageAlign(len(header)))
	out = append(out, kernel...)
	out = pad(out, pageAlign(len(header))+pageAlign(len(kernel)))
	out = append(out, ramdisk...)
	out = pad(out, pageAlign(len(header))+pageAlign(len(kernel))+pageAlign(len(ramdisk)))
	out = append(out, trailer...)
	return out
}

func pad(b []byte, to int) []byte {
	for len(b) < to {
		b = append(b, 0)
	}
	return b
}

func pageAlign(n int) int {
	if n%pageSize == 0 {
		return n
	}
	return n + (pageSize - n%pageSize)
}

func putLE32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func TestParseComputesSectionOffsets(t *testing.T) {
	data := buildImage(t, []byte("kernel bytes"), []byte("ramdisk bytes"), []byte("trailing signature"))
	img, err := bootimg.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.Header.KernelSize != uint32(len("kernel bytes")) {
		t.Fatalf("kernel size = %d", img.Header.KernelSize)
	}
	if img.KernelOffset != pageAlign(1632) {
		t.Fatalf("kernel offset = %d, want %d", img.KernelOffset, pageAlign(1632))
	}
	if string(img.Signature()) != "trailing signature" {
		t.Fatalf("signature = %q", img.Signature())
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := make([]byte, 2048)
	copy(data, "NOTANDRO")
	if _, err := bootimg.Parse(data); err == nil {
		t.Fatalf("expected an error parsing a non-Android boot image")
	}
}

func TestParseRejectsTruncatedImage(t *testing.T) {
	data := buildImage(t, []byte("kernel"), []byte("ramdisk"), nil)
	if _, err := bootimg.Parse(data[:len(data)-pageSize]); err == nil {
		t.Fatalf("expected an error parsing an image shorter than its declared sections")
	}
}

func TestSplicePreservesRamdiskAndUpdatesKernelSize(t *testing.T) {
	original := buildImage(t, []byte("old kernel"), []byte("the ramdisk"), nil)
	newKernel := []byte("a considerably longer replacement kernel image")

	spliced, err := bootimg.Splice(original, newKernel)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}

	img, err := bootimg.Parse(spliced)
	if err != nil {
		t.Fatalf("parse spliced image: %v", err)
	}
	if img.Header.KernelSize != uint32(len(newKernel)) {
		t.Fatalf("kernel size = %d, want %d", img.Header.KernelSize, len(newKernel))
	}
	gotKernel := spliced[img.KernelOffset : img.KernelOffset+len(newKernel)]
	if string(gotKernel) != string(newKernel) {
		t.Fatalf("spliced kernel mismatch: %q", gotKernel)
	}
	gotRamdisk := spliced[img.RamdiskOffset : img.RamdiskOffset+int(img.Header.RamdiskSize)]
	if string(gotRamdisk) != "the ramdisk" {
		t.Fatalf("ramdisk content = %q, want preserved original", gotRamdisk)
	}
}

func TestSpliceWithSmallerKernelShrinksImage(t *testing.T) {
	original := buildImage(t, make([]byte, pageSize+100), []byte("ramdisk payload"), nil)
	newKernel := []byte("tiny kernel")

	spliced, err := bootimg.Splice(original, newKernel)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if len(spliced) >= len(original) {
		t.Fatalf("expected splicing a much smaller kernel to shrink the image: got %d, original %d", len(spliced), len(original))
	}

	img, err := bootimg.Parse(spliced)
	if err != nil {
		t.Fatalf("parse spliced image: %v", err)
	}
	gotRamdisk := spliced[img.RamdiskOffset : img.RamdiskOffset+int(img.Header.RamdiskSize)]
	if string(gotRamdisk) != "ramdisk payload" {
		t.Fatalf("ramdisk content = %q, want preserved original", gotRamdisk)
	}
}

func TestSpliceRejectsUnparseableSource(t *testing.T) {
	data := make([]byte, 2048)
	copy(data, "NOTANDRO")
	if _, err := bootimg.Splice(data, []byte("kernel")); err == nil {
		t.Fatalf("expected splicing a non-Android boot image to fail")
	}
}
