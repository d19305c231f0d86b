package davsftp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/darshan-rambhia/davsftp/sftpdavtest"
)

// Benchmarks run against the in-memory server, so they measure the pool and
// translator overhead rather than network latency.

func BenchmarkClean(b *testing.B) {
	paths := []string{
		"/",
		"/docs/report.pdf",
		"docs//./sub/../report.pdf",
		"/a/b/c/d/e/f/g/h/i/j/k/l/m/n/o/p",
	}
	for _, p := range paths {
		b.Run(p, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				if _, err := Clean(p); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPathMapper_ToRemote(b *testing.B) {
	m, err := NewPathMapper("/srv/share")
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for b.Loop() {
		if _, err := m.ToRemote("/docs/2024/report.pdf"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPool_AcquireRelease(b *testing.B) {
	srv := sftpdavtest.NewServer()
	b.Cleanup(srv.Close)
	pool := newTestPool(b, srv, testConfig("/"))
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		s, err := pool.Acquire(ctx)
		if err != nil {
			b.Fatal(err)
		}
		pool.Release(s)
	}
}

func BenchmarkPool_Contended(b *testing.B) {
	srv := sftpdavtest.NewServer()
	b.Cleanup(srv.Close)
	pool := newTestPool(b, srv, testConfig("/"))
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			err := pool.With(ctx, func(*Session) error { return nil })
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkTranslator_Write(b *testing.B) {
	sizes := []int{1024, 64 * 1024, 1024 * 1024}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dKB", size/1024), func(b *testing.B) {
			tr := newBenchTranslator(b)
			ctx := context.Background()
			data := bytes.Repeat([]byte("x"), size)

			b.SetBytes(int64(size))
			b.ResetTimer()
			for b.Loop() {
				if _, err := tr.Write(ctx, "/bench.bin", bytes.NewReader(data)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkTranslator_Read(b *testing.B) {
	sizes := []int{1024, 64 * 1024, 1024 * 1024}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dKB", size/1024), func(b *testing.B) {
			tr := newBenchTranslator(b)
			ctx := context.Background()
			if _, err := tr.Write(ctx, "/bench.bin", bytes.NewReader(bytes.Repeat([]byte("x"), size))); err != nil {
				b.Fatal(err)
			}

			b.SetBytes(int64(size))
			b.ResetTimer()
			for b.Loop() {
				r, err := tr.Read(ctx, "/bench.bin")
				if err != nil {
					b.Fatal(err)
				}
				if _, err := io.Copy(io.Discard, r); err != nil {
					b.Fatal(err)
				}
				r.Close()
			}
		})
	}
}

func BenchmarkTranslator_ParallelWrite(b *testing.B) {
	tr := newBenchTranslator(b)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 16*1024)

	b.SetBytes(int64(len(data)))
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			name := fmt.Sprintf("/parallel-%p-%d.bin", pb, i)
			i++
			if _, err := tr.Write(ctx, name, bytes.NewReader(data)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkTranslator_List(b *testing.B) {
	tr := newBenchTranslator(b)
	ctx := context.Background()
	for i := range 100 {
		if _, err := tr.Write(ctx, fmt.Sprintf("/f%03d.txt", i), bytes.NewReader([]byte("x"))); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := tr.List(ctx, "/"); err != nil {
			b.Fatal(err)
		}
	}
}

// newBenchTranslator uses realistic chunk sizes and a pool as wide as
// GOMAXPROCS is likely to need.
func newBenchTranslator(b *testing.B) *Translator {
	b.Helper()

	srv := sftpdavtest.NewServer()
	b.Cleanup(srv.Close)
	config := testConfig("/share")
	config.ChunkSize = DefaultChunkSize
	config.PoolSize = 4
	pool := newTestPool(b, srv, config)
	tr, err := NewTranslator(pool)
	if err != nil {
		b.Fatal(err)
	}
	return tr
}
