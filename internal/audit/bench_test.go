package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func BenchmarkRecord_Single(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	l, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()

	entry := testEntry(OutcomeAllow)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Record(entry)
	}
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	l, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	entry := testEntry(OutcomeAllow)
	for i := 0; i < n; i++ {
		l.Record(entry)
	}
	l.Close()

	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		result := VerifyChain(path)
		if !result.Intact {
			b.Fatal("broken chain:", result.Fault)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}

func BenchmarkVerify_10000(b *testing.B) {
	benchVerify(b, 10000)
}
