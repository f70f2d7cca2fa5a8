package repository

import "errors"

var (
	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrDuplicateRecord is returned when a fetch log record with the same ID already exists.
	ErrDuplicateRecord = errors.New("fetch record already exists")
)
