// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, compression string) *ChunkStore {
	t.Helper()
	cs, err := NewChunkStore(t.TempDir(), compression, testLogger())
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	return cs
}

func TestChunkStore_WriteReadRoundtrip(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			cs := newTestStore(t, compression)

			if _, err := cs.Prepare("owner-1", "file-1"); err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			if err := cs.Write("owner-1", "file-1", 0, []byte("hello chunk")); err != nil {
				t.Fatalf("Write: %v", err)
			}

			data, err := cs.Read("owner-1", "file-1", 0)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if string(data) != "hello chunk" {
				t.Errorf("Read = %q, want %q", data, "hello chunk")
			}
		})
	}
}

func TestChunkStore_RewriteReplacesWholeChunk(t *testing.T) {
	cs := newTestStore(t, "none")
	cs.Prepare("owner-1", "file-1")

	cs.Write("owner-1", "file-1", 0, []byte("first version with padding"))
	cs.Write("owner-1", "file-1", 0, []byte("second"))

	data, err := cs.Read("owner-1", "file-1", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Read = %q, want full replacement", data)
	}
}

func TestChunkStore_ListSortedAndEmptyForMissingDir(t *testing.T) {
	cs := newTestStore(t, "none")
	cs.Prepare("owner-1", "file-1")

	for _, idx := range []int{5, 0, 3} {
		if err := cs.Write("owner-1", "file-1", idx, []byte("x")); err != nil {
			t.Fatalf("Write %d: %v", idx, err)
		}
	}

	indices, err := cs.List("owner-1", "file-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []int{0, 3, 5}
	if len(indices) != len(want) {
		t.Fatalf("List = %v, want %v", indices, want)
	}
	for i := range want {
		if indices[i] != want[i] {
			t.Fatalf("List = %v, want %v", indices, want)
		}
	}

	empty, err := cs.List("owner-1", "never-seen")
	if err != nil {
		t.Fatalf("List missing dir: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List for missing dir = %v, want empty", empty)
	}
}

func TestChunkStore_ReadMissingChunk(t *testing.T) {
	cs := newTestStore(t, "none")
	cs.Prepare("owner-1", "file-1")

	_, err := cs.Read("owner-1", "file-1", 7)
	if !IsKind(err, KindNotFound) {
		t.Errorf("Read missing chunk kind = %v, want %v", KindOf(err), KindNotFound)
	}
}

func TestChunkStore_AssembleConcatenatesInOrder(t *testing.T) {
	cs := newTestStore(t, "none")
	cs.Prepare("owner-1", "file-1")

	cs.Write("owner-1", "file-1", 0, []byte("aaa"))
	cs.Write("owner-1", "file-1", 1, []byte("bb"))
	cs.Write("owner-1", "file-1", 2, []byte("c"))

	out := filepath.Join(t.TempDir(), "final.bin")
	result, err := cs.Assemble("owner-1", "file-1", []int{0, 1, 2}, out, 6)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if result.Size != 6 {
		t.Errorf("Size = %d, want 6", result.Size)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "aaabbc" {
		t.Errorf("output = %q, want aaabbc", data)
	}
}

func TestChunkStore_AssembleSizeMismatchKeepsChunks(t *testing.T) {
	cs := newTestStore(t, "none")
	cs.Prepare("owner-1", "file-1")
	cs.Write("owner-1", "file-1", 0, []byte("abc"))

	out := filepath.Join(t.TempDir(), "final.bin")
	_, err := cs.Assemble("owner-1", "file-1", []int{0}, out, 99)
	if !IsKind(err, KindSizeMismatch) {
		t.Fatalf("Assemble kind = %v, want %v", KindOf(err), KindSizeMismatch)
	}

	// Output parcial removido, chunks intactos para retry
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("partial output should have been removed")
	}
	if !cs.Exists("owner-1", "file-1", 0) {
		t.Error("chunks should remain on disk after size mismatch")
	}
}

func TestChunkStore_PurgeRemovesSessionDir(t *testing.T) {
	cs := newTestStore(t, "none")
	dir, _ := cs.Prepare("owner-1", "file-1")
	cs.Write("owner-1", "file-1", 0, []byte("x"))

	cs.Purge("owner-1", "file-1")

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("session dir should be gone after purge")
	}
	// Purge de sessão já purgada não explode
	cs.Purge("owner-1", "file-1")
}

func TestChunkStore_RejectsTraversal(t *testing.T) {
	cs := newTestStore(t, "none")

	cases := []struct{ owner, file string }{
		{"../evil", "file-1"},
		{"owner-1", "../../etc"},
		{"owner-1", ".."},
		{"", "file-1"},
		{"owner-1", ".hidden"},
	}
	for _, tc := range cases {
		if _, err := cs.Prepare(tc.owner, tc.file); !IsKind(err, KindUnauthorized) {
			t.Errorf("Prepare(%q,%q) kind = %v, want %v", tc.owner, tc.file, KindOf(err), KindUnauthorized)
		}
	}
}
