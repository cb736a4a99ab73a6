// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/nishisan-dev/n-ingest/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// requireAuth valida o bearer token e injeta o principal no contexto.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.writeErrorStatus(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		principal, err := h.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			h.logger.Debug("token rejected", "error", err)
			h.writeErrorStatus(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalFrom extrai o principal autenticado do contexto.
// Só é chamado atrás do requireAuth; ausência é bug de wiring.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	if p == nil {
		return &auth.Principal{}
	}
	return p
}

// readAllLimited lê até limit bytes e falha se houver excedente.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, io.ErrShortBuffer
	}
	return data, nil
}
