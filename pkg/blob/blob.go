// Package blob stores opaque objects such as similarity index snapshots.
// Keys are slash-separated; Put overwrites.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
)

// Driver identifies a backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// PutOptions are optional object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is implemented by every backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

func validateKey(op, key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return apperror.New(op, apperror.KindInvalidArgument, key, "invalid blob key")
	}
	return nil
}

func notFound(op, key string) error {
	return apperror.New(op, apperror.KindNotFound, key, "blob does not exist")
}

// ParseDriver accepts the configured driver name; "none" and "" yield "".
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return "", nil
	case "fs", "file", "filesystem":
		return DriverFilesystem, nil
	case "s3", "minio":
		return DriverS3, nil
	case "memory", "mem":
		return DriverMemory, nil
	}
	return "", fmt.Errorf("unknown blob driver %q", s)
}
