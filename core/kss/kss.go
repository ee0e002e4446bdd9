// Package kss provides storage of blobs outside of the database.
//
// There are currently two backends: a local file system and AWS S3.
package kss

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for unknown keys
var ErrNotFound = errors.New("key not found")

// Driver defines the interface for the KSS service
type Driver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the AWS S3 KSS service.
// Empty credentials select the default AWS credential chain.
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}

// New returns the driver selected by the configuration
func New(ctx context.Context, c Configuration) (Driver, error) {
	switch c.DriverType {
	case DriverTypeLocal:
		if c.LocalConfiguration == nil {
			return nil, errors.New("local configuration is missing")
		}
		return NewLocalFilesystem(*c.LocalConfiguration)
	case DriverTypeAWSS3:
		if c.S3Configuration == nil {
			return nil, errors.New("S3 configuration is missing")
		}
		return NewS3(ctx, *c.S3Configuration)
	case None:
		return nil, nil
	}
	return nil, errors.New("unknown kss driver type " + string(c.DriverType))
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "..") && !strings.HasPrefix(key, "/")
}
