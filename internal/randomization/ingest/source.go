package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source is where a list is read from.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	// Location is the path or URL as configured.
	Location() string
	// LocalPath is the filesystem path, or "" for remote sources.
	LocalPath() string
}

// FileSource reads a list from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Open(context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open list: %w", err)
	}
	return file, nil
}

func (f FileSource) Location() string  { return f.Path }
func (f FileSource) LocalPath() string { return f.Path }

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads a list object from S3.
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s S3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get list object %s: %w", s.Location(), err)
	}
	return out.Body, nil
}

func (s S3Source) Location() string  { return "s3://" + s.Bucket + "/" + s.Key }
func (s S3Source) LocalPath() string { return "" }

// OpenSource resolves a configured location. "s3://bucket/key" needs a
// client; anything else is a local path.
func OpenSource(location string, client S3API) (Source, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		if location == "" {
			return nil, fmt.Errorf("list location is empty")
		}
		return FileSource{Path: location}, nil
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 location %q, want s3://bucket/key", location)
	}
	if client == nil {
		return nil, fmt.Errorf("s3 location %q configured without an s3 client", location)
	}
	return S3Source{Client: client, Bucket: bucket, Key: key}, nil
}
