// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package auth valida os bearer tokens das requisições de ingestão.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal é a identidade autenticada extraída do token.
type Principal struct {
	ID   string
	Role string
}

// claims é o payload esperado nos tokens de ingestão.
type claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier valida tokens HMAC-SHA256 assinados com o segredo compartilhado.
type Verifier struct {
	secret []byte
}

// NewVerifier cria um Verifier. O segredo não pode ser vazio.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify valida assinatura e expiração e retorna o principal.
// Apenas HS256 é aceito; qualquer outro método de assinatura é rejeitado.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Principal{ID: c.Subject, Role: c.Role}, nil
}

// Sign emite um token para o principal dado (usado em testes e tooling).
func (v *Verifier) Sign(c jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
