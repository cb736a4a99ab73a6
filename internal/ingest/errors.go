// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest implementa o núcleo de ingestão de arquivos em chunks:
// armazenamento de chunks, máquina de estados de sessão de upload,
// orquestração de pipeline de processamento e recuperação de erros.
package ingest

import (
	"errors"
	"fmt"
)

// Kind classifica os erros expostos na borda do núcleo de ingestão.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindBadIndex         Kind = "bad_index"
	KindChecksumMismatch Kind = "checksum_mismatch"
	KindSizeExceeded     Kind = "size_exceeded"
	KindSizeMismatch     Kind = "size_mismatch"
	KindIOError          Kind = "io_error"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
	KindUnauthorized     Kind = "unauthorized"
	KindInternal         Kind = "internal"
)

// Error é o erro tipado do núcleo. Embrulha a causa quando existe.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is permite errors.Is contra um *Error sentinela com o mesmo Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// newError cria um erro tipado sem causa.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError cria um erro tipado embrulhando a causa.
func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extrai o Kind de um erro; KindInternal quando não é um *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind informa se o erro carrega o Kind dado.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
