package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAtomicWriteReadersNeverSeePartialContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	a := bytes.Repeat([]byte("a"), 64<<10)
	b := bytes.Repeat([]byte("b"), 64<<10)
	if err := AtomicWrite(path, a); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Errorf("ReadFile: %v", err)
				return
			}
			if !bytes.Equal(data, a) && !bytes.Equal(data, b) {
				t.Errorf("observed partial content of length %d", len(data))
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		next := a
		if i%2 == 0 {
			next = b
		}
		if err := AtomicWrite(path, next); err != nil {
			t.Fatalf("AtomicWrite: %v", err)
		}
	}
	close(done)
	wg.Wait()

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".status.json*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestCopyTreeAndDirSize(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(src, "one.png"), []byte("12345"), 0o600)
	os.WriteFile(filepath.Join(src, "sub", "two.png"), []byte("123"), 0o600)

	dst := filepath.Join(t.TempDir(), "assets")
	total, err := CopyTree(src, dst)
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if total != 8 {
		t.Errorf("CopyTree total = %d, want 8", total)
	}
	size, err := DirSize(dst)
	if err != nil || size != 8 {
		t.Errorf("DirSize = %d, %v; want 8", size, err)
	}
	if size, err := DirSize(filepath.Join(dst, "missing")); err != nil || size != 0 {
		t.Errorf("DirSize(missing) = %d, %v", size, err)
	}
}
