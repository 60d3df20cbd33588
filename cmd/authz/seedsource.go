package main

import (
	"context"
	"fmt"

	"github.com/veloce/authz/pkg/config"
	"github.com/veloce/authz/pkg/rbac"
	"github.com/veloce/authz/pkg/storage"
)

// loadSeedFile reads a seed from a local path or an s3:// URL. An empty
// source is the built-in role tree.
func loadSeedFile(ctx context.Context, source string, s3cfg config.S3Config) (*rbac.SeedFile, error) {
	if source == "" {
		return rbac.DefaultSeedFile()
	}
	if !storage.IsObjectURL(source) {
		return rbac.LoadSeedFile(source)
	}

	bucket, key, err := storage.ParseObjectURL(source)
	if err != nil {
		return nil, err
	}
	objects, err := storage.NewObjectStore(ctx, s3cfg.ObjectStoreConfig())
	if err != nil {
		return nil, err
	}
	data, err := objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	file, err := rbac.ParseSeedFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return file, nil
}
