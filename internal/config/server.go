// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do ningest-server,
// com overrides por variáveis de ambiente para os campos operacionais.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do ningest-server.
type ServerConfig struct {
	Server  ServerListen  `yaml:"server"`
	Uploads UploadsConfig `yaml:"uploads"`
	Retry   RetryConfig   `yaml:"retry"`
	Auth    AuthConfig    `yaml:"auth"`
	Push    PushConfig    `yaml:"push"`
	Offload OffloadConfig `yaml:"offload"`
	Logging LoggingInfo   `yaml:"logging"`
}

// ServerListen contém o endereço de escuta e o prefixo de path da API.
type ServerListen struct {
	Listen       string        `yaml:"listen"`        // default: "0.0.0.0:3080"
	PathPrefix   string        `yaml:"path_prefix"`   // default: "/chunked"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 60s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 120s
}

// UploadsConfig configura o armazenamento de chunks e os limites de sessão.
type UploadsConfig struct {
	Path               string        `yaml:"path"`                  // default: "./uploads"
	ChunkSize          int64         `yaml:"chunk_size"`            // default: 1048576 (1MiB)
	MaxChunks          int           `yaml:"max_chunks"`            // default: 1000
	MaxChunkBytes      int64         `yaml:"max_chunk_bytes"`       // limite do body por chunk (default: 10MiB)
	ChunkTimeout       time.Duration `yaml:"chunk_timeout"`         // inatividade máxima (default: 30m)
	SessionTTL         time.Duration `yaml:"session_ttl"`           // TTL absoluto (default: 24h)
	Checksum           string        `yaml:"checksum"`              // md5|sha256 (default: md5)
	ChunkCompression   string        `yaml:"chunk_compression"`     // none|zstd (default: none)
	MaxSessionMBps     float64       `yaml:"max_session_mbps"`      // 0 = sem throttle
	DiskMaxUsedPercent float64       `yaml:"disk_max_used_percent"` // 0 = sem guarda (default: 95)
	SweepInterval      time.Duration `yaml:"sweep_interval"`        // varredura de sessões expiradas (default: 1h)
}

// RetryConfig configura a política de retry do RecoveryController.
type RetryConfig struct {
	Base        time.Duration `yaml:"base"`         // default: 1s
	Max         time.Duration `yaml:"max"`          // default: 30s
	MaxAttempts int           `yaml:"max_attempts"` // default: 3
}

// AuthConfig contém o segredo HMAC usado na verificação dos bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PushConfig configura o canal de push de progresso.
type PushConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"` // eventos por subscriber (default: 64)
	EventRingSize    int `yaml:"event_ring_size"`   // eventos recentes p/ diagnóstico (default: 256)
}

// OffloadConfig configura o destino S3 opcional do stage de storage.
type OffloadConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`   // opcional (S3 compatível)
	AccessKey string `yaml:"access_key"` // opcional; vazio = credential chain default
	SecretKey string `yaml:"secret_key"`
}

// LoggingInfo configura nível, formato e arquivo de log.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // vazio = apenas stdout
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
// Overrides de ambiente são aplicados após o parse e antes da validação.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// DefaultServerConfig retorna uma configuração com todos os defaults aplicados.
// Usado em testes e quando não há arquivo de configuração.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyEnvOverrides()
	cfg.validate()
	return cfg
}

// applyEnvOverrides aplica as variáveis de ambiente documentadas sobre a config.
// Valores inválidos são ignorados silenciosamente (fica o valor do YAML/default).
func (c *ServerConfig) applyEnvOverrides() {
	if v := os.Getenv("UPLOADS_PATH"); v != "" {
		c.Uploads.Path = v
	}
	if v, ok := envInt64("CHUNK_SIZE"); ok {
		c.Uploads.ChunkSize = v
	}
	if v, ok := envInt64("MAX_CHUNKS"); ok {
		c.Uploads.MaxChunks = int(v)
	}
	if v, ok := envInt64("CHUNK_TIMEOUT_MS"); ok {
		c.Uploads.ChunkTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt64("RETRY_BASE_MS"); ok {
		c.Retry.Base = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt64("RETRY_MAX_MS"); ok {
		c.Retry.Max = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt64("RETRY_MAX_ATTEMPTS"); ok {
		c.Retry.MaxAttempts = int(v)
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:3080"
	}
	if c.Server.PathPrefix == "" {
		c.Server.PathPrefix = "/chunked"
	}
	if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		return fmt.Errorf("server.path_prefix must start with '/', got %q", c.Server.PathPrefix)
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Uploads.Path == "" {
		c.Uploads.Path = "./uploads"
	}
	if c.Uploads.ChunkSize <= 0 {
		c.Uploads.ChunkSize = 1048576
	}
	if c.Uploads.MaxChunks <= 0 {
		c.Uploads.MaxChunks = 1000
	}
	if c.Uploads.MaxChunkBytes <= 0 {
		c.Uploads.MaxChunkBytes = 10 * 1024 * 1024
	}
	if c.Uploads.ChunkTimeout <= 0 {
		c.Uploads.ChunkTimeout = 30 * time.Minute
	}
	if c.Uploads.SessionTTL <= 0 {
		c.Uploads.SessionTTL = 24 * time.Hour
	}
	if c.Uploads.Checksum == "" {
		c.Uploads.Checksum = "md5"
	}
	c.Uploads.Checksum = strings.ToLower(strings.TrimSpace(c.Uploads.Checksum))
	if c.Uploads.Checksum != "md5" && c.Uploads.Checksum != "sha256" {
		return fmt.Errorf("uploads.checksum must be md5 or sha256, got %q", c.Uploads.Checksum)
	}
	if c.Uploads.ChunkCompression == "" {
		c.Uploads.ChunkCompression = "none"
	}
	c.Uploads.ChunkCompression = strings.ToLower(strings.TrimSpace(c.Uploads.ChunkCompression))
	if c.Uploads.ChunkCompression != "none" && c.Uploads.ChunkCompression != "zstd" {
		return fmt.Errorf("uploads.chunk_compression must be none or zstd, got %q", c.Uploads.ChunkCompression)
	}
	if c.Uploads.MaxSessionMBps < 0 {
		return fmt.Errorf("uploads.max_session_mbps must be >= 0, got %v", c.Uploads.MaxSessionMBps)
	}
	if c.Uploads.DiskMaxUsedPercent == 0 {
		c.Uploads.DiskMaxUsedPercent = 95
	}
	if c.Uploads.DiskMaxUsedPercent < 0 || c.Uploads.DiskMaxUsedPercent > 100 {
		return fmt.Errorf("uploads.disk_max_used_percent must be in [0,100], got %v", c.Uploads.DiskMaxUsedPercent)
	}
	if c.Uploads.SweepInterval <= 0 {
		c.Uploads.SweepInterval = time.Hour
	}

	if c.Retry.Base <= 0 {
		c.Retry.Base = time.Second
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}

	if c.Push.SubscriberBuffer <= 0 {
		c.Push.SubscriberBuffer = 64
	}
	if c.Push.EventRingSize <= 0 {
		c.Push.EventRingSize = 256
	}

	if c.Offload.Enabled {
		if c.Offload.Bucket == "" {
			return fmt.Errorf("offload.bucket is required when offload is enabled")
		}
		if c.Offload.Region == "" && c.Offload.Endpoint == "" {
			return fmt.Errorf("offload.region or offload.endpoint is required when offload is enabled")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
