// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"
)

// chunkFilePrefix é o prefixo dos arquivos de chunk dentro do diretório da sessão.
const chunkFilePrefix = "chunk_"

// ChunkStore armazena bytes de chunks no filesystem, chaveados por
// (ownerId, fileId, index) sob <root>/temp/chunks/<ownerId>/<fileId>/chunk_<index>.
//
// Escritas são atômicas (temp + fsync + rename). Write/Assemble do mesmo
// fileId são mutuamente exclusivos via lock por arquivo; Read é lock-free
// após o fsync da escrita.
type ChunkStore struct {
	root   string // <uploadsPath>/temp/chunks
	logger *slog.Logger

	// compressão at-rest opcional dos chunks (config chunk_compression: zstd)
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	locks sync.Map // "ownerId/fileId" → *sync.Mutex
}

// NewChunkStore cria um ChunkStore sob uploadsPath.
// compression aceita "none" (default) ou "zstd".
func NewChunkStore(uploadsPath, compression string, logger *slog.Logger) (*ChunkStore, error) {
	root := filepath.Join(uploadsPath, "temp", "chunks")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk root: %w", err)
	}

	cs := &ChunkStore{root: root, logger: logger}

	if compression == "zstd" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		cs.encoder = enc
		cs.decoder = dec
	}

	return cs, nil
}

// Root retorna o diretório raiz dos chunks.
func (cs *ChunkStore) Root() string {
	return cs.root
}

// Prepare cria o diretório de chunks da sessão. Idempotente.
func (cs *ChunkStore) Prepare(ownerID, fileID string) (string, error) {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", wrapError(KindIOError, err, "creating session chunk dir")
	}
	return dir, nil
}

// Write grava os bytes do chunk de forma atômica (temp + fsync + rename).
// Uma segunda escrita do mesmo índice substitui a anterior por inteiro.
func (cs *ChunkStore) Write(ownerID, fileID string, index int, data []byte) error {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		return err
	}

	mu := cs.fileLock(ownerID, fileID)
	mu.Lock()
	defer mu.Unlock()

	if cs.encoder != nil {
		data = cs.encoder.EncodeAll(data, nil)
	}

	path := filepath.Join(dir, chunkFileName(index))
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return wrapError(KindIOError, err, "writing chunk %d", index)
	}
	return nil
}

// Exists informa se o chunk de índice dado já está em disco.
func (cs *ChunkStore) Exists(ownerID, fileID string, index int) bool {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, chunkFileName(index)))
	return err == nil
}

// List retorna os índices dos chunks em disco, em ordem crescente.
// Diretório inexistente retorna lista vazia (sessão sem chunks).
func (cs *ChunkStore) List(ownerID, fileID string) ([]int, error) {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, wrapError(KindIOError, err, "listing chunks")
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), chunkFilePrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), chunkFilePrefix))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// Read retorna os bytes do chunk. Lock-free: a escrita já fez fsync+rename.
func (cs *ChunkStore) Read(ownerID, fileID string, index int) ([]byte, error) {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, chunkFileName(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "chunk %d not found", index)
		}
		return nil, wrapError(KindIOError, err, "reading chunk %d", index)
	}

	if cs.decoder != nil {
		data, err = cs.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, wrapError(KindIOError, err, "decompressing chunk %d", index)
		}
	}
	return data, nil
}

// AssembleResult é o resultado de uma montagem bem-sucedida.
type AssembleResult struct {
	Path string
	Size int64
}

// Assemble escreve os chunks na ordem dada em um novo arquivo em outPath,
// faz fsync e verifica o tamanho final contra expectedSize.
// Falha com SizeMismatch quando os tamanhos divergem; os chunks ficam
// intactos em disco para permitir retry.
func (cs *ChunkStore) Assemble(ownerID, fileID string, order []int, outPath string, expectedSize int64) (*AssembleResult, error) {
	if _, err := cs.sessionDir(ownerID, fileID); err != nil {
		return nil, err
	}

	mu := cs.fileLock(ownerID, fileID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, wrapError(KindIOError, err, "creating output dir")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, wrapError(KindIOError, err, "creating output file")
	}

	w := bufio.NewWriterSize(out, 256*1024)
	var total int64
	for _, idx := range order {
		data, err := cs.Read(ownerID, fileID, idx)
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, err
		}
		n, err := w.Write(data)
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, wrapError(KindIOError, err, "writing chunk %d to output", idx)
		}
		total += int64(n)
	}

	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, wrapError(KindIOError, err, "flushing output")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, wrapError(KindIOError, err, "syncing output")
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return nil, wrapError(KindIOError, err, "closing output")
	}

	if total != expectedSize {
		os.Remove(outPath)
		return nil, newError(KindSizeMismatch,
			"assembled size %d does not match expected %d", total, expectedSize)
	}

	cs.logger.Info("chunks assembled", "file", fileID, "chunks", len(order), "bytes", total)
	return &AssembleResult{Path: outPath, Size: total}, nil
}

// Purge remove todos os chunks e o diretório da sessão.
// Erros são logados mas não propagados; deve funcionar mesmo parcialmente populado.
func (cs *ChunkStore) Purge(ownerID, fileID string) {
	dir, err := cs.sessionDir(ownerID, fileID)
	if err != nil {
		cs.logger.Warn("purge with invalid session key", "file", fileID, "error", err)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		cs.logger.Warn("purging session chunks", "file", fileID, "error", err)
	}
	cs.locks.Delete(lockKey(ownerID, fileID))
}

// sessionDir resolve e valida o diretório da sessão dentro do root.
func (cs *ChunkStore) sessionDir(ownerID, fileID string) (string, error) {
	if err := validatePathComponent(ownerID, "ownerId"); err != nil {
		return "", wrapError(KindUnauthorized, err, "invalid owner id")
	}
	if err := validatePathComponent(fileID, "fileId"); err != nil {
		return "", wrapError(KindUnauthorized, err, "invalid file id")
	}

	dir := filepath.Join(cs.root, ownerID, fileID)
	if err := validatePathInBaseDir(cs.root, dir); err != nil {
		return "", wrapError(KindUnauthorized, err, "session dir escapes root")
	}
	return dir, nil
}

func (cs *ChunkStore) fileLock(ownerID, fileID string) *sync.Mutex {
	actual, _ := cs.locks.LoadOrStore(lockKey(ownerID, fileID), &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func lockKey(ownerID, fileID string) string {
	return ownerID + "/" + fileID
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%s%d", chunkFilePrefix, index)
}
