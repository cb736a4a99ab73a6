// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package offload replica arquivos montados para um bucket S3 compatível.
package offload

import (
	"context"
	"fmt"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API é o subconjunto do client S3 usado pelo offloader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configura o destino do offload.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // endpoint custom p/ S3-compatível (MinIO etc.), vazio usa AWS
	AccessKey string
	SecretKey string
}

// Offloader envia o arquivo final de cada ingestão para o bucket configurado.
// É plugado como handler do stage de storage do pipeline.
type Offloader struct {
	client S3API
	bucket string
	prefix string
}

// New cria um Offloader resolvendo credenciais estáticas quando fornecidas,
// senão a cadeia default do SDK (env, profile, IMDS).
func New(ctx context.Context, opts Options) (*Offloader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("offload bucket cannot be empty")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = &opts.Endpoint
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewWithClient cria um Offloader com um client já construído (testes).
func NewWithClient(client S3API, bucket, prefix string) *Offloader {
	return &Offloader{client: client, bucket: bucket, prefix: prefix}
}

// Upload envia o arquivo em filePath como <prefix>/<ownerId>/<fileId>.
func (o *Offloader) Upload(ctx context.Context, ownerID, fileID, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening file for offload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating file for offload: %w", err)
	}

	key := path.Join(o.prefix, ownerID, fileID)
	size := info.Size()
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &o.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: &size,
	})
	if err != nil {
		return fmt.Errorf("offloading %s to s3://%s/%s: %w", fileID, o.bucket, key, err)
	}
	return nil
}
