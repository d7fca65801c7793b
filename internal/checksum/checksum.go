// Package checksum computes the BLAKE3 digests used for copy skipping,
// stage input hashing and tree digests. Digests are lowercase hex of a
// 32-byte BLAKE3 sum.
package checksum

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// New returns a fresh BLAKE3 hasher with the standard output size.
func New() *blake3.Hasher {
	return blake3.New(Size, nil)
}

// String hashes s.
func String(s string) string {
	h := New()
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// File hashes the contents of path.
func File(path string) (string, error) {
	buf := make([]byte, 64*1024)
	return fileWithBuffer(path, buf)
}

func fileWithBuffer(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := New()
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Files hashes many files in parallel and returns path -> digest. The first
// error is returned together with whatever digests did succeed.
func Files(paths []string) (map[string]string, error) {
	results := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return results, nil
	}

	numWorkers := runtime.NumCPU() * 2
	if len(paths) < numWorkers {
		numWorkers = len(paths)
	}

	jobs := make(chan string, len(paths))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				sum, err := fileWithBuffer(path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = sum
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return results, firstErr
}

// Same reports whether two files have identical contents. A missing b is
// not an error; it simply differs.
func Same(a, b string) (bool, error) {
	ib, err := os.Stat(b)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}
	sa, err := File(a)
	if err != nil {
		return false, err
	}
	sb, err := File(b)
	if err != nil {
		return false, err
	}
	return sa == sb, nil
}
