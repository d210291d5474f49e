package storagefile

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestSyncReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_1")

	f, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	payload := []byte("hello, block-file")

	if _, err := f.Write(0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := f.Read(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadPastEOFIsShortNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_1")

	f, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if _, err := f.Write(0, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)

	n, err := f.Read(0, buf)
	if err != nil {
		t.Fatalf("read past eof returned error: %v", err)
	}

	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
}

func TestAsyncCompletionOrderPerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_1")

	f, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := f.Truncate(64); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var (
		mu   sync.Mutex
		done []int
		wg   sync.WaitGroup
	)

	wg.Add(3)

	for i := range 3 {
		buf := []byte{byte(i)}

		f.WriteAsync(int64(i), buf, func(n int, err error) {
			defer wg.Done()

			mu.Lock()
			done = append(done, i)
			mu.Unlock()
		})
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	for i, v := range done {
		if v != i {
			t.Fatalf("completion order = %v, want [0 1 2]", done)
		}
	}
}

func TestMappedFileViewIsLiveSharedMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_0")

	mf, err := CreateMapped(path, 4096)
	if err != nil {
		t.Fatalf("create mapped: %v", err)
	}
	defer mf.Close()

	view := mf.View()
	if len(view) != 4096 {
		t.Fatalf("view len = %d, want 4096", len(view))
	}

	view[0] = 0xAB

	if mf.View()[0] != 0xAB {
		t.Fatal("mutation through View() did not stick")
	}
}
