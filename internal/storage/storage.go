// Package storage uploads memory assets to the remote object store
package storage

import (
	"context"
	"errors"
	"path"
)

var ErrEmptyPath = errors.New("storage: empty object path")

// Client is the remote object store used by the sync manager
type Client interface {
	// Upload stores data at the given path, overwriting any previous object,
	// and returns the remote path.
	Upload(ctx context.Context, path string, data []byte) (string, error)
	// Delete removes the object. It reports false when there was nothing to delete.
	Delete(ctx context.Context, path string) (bool, error)
}

// Config holds the S3 connection settings
type Config struct {
	BucketName string `json:"bucket"`
	Region     string `json:"region"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	// Endpoint points at an S3 compatible service. Setting it switches to
	// path style addressing.
	Endpoint string `json:"endpoint,omitempty"`
}

func contentType(objectPath string) string {
	switch path.Ext(objectPath) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
