// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package storage

import "errors"

// ErrNonContiguous is returned by StoreHeaders when the batch does not
// extend the current tip. The core treats this as a non-fatal,
// logged-and-ignored condition (no reorg support).
var ErrNonContiguous = errors.New("storage: non-contiguous header batch")

// NotFoundError is returned by lookups that found nothing. It wraps a
// descriptive message so callers can still log it, but supports
// errors.Is against ErrNotFound.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ErrNotFound is the sentinel value NotFoundError.Is compares against.
var ErrNotFound = errors.New("storage: not found")

// DuplicateError reports an insert that collides with existing data.
// pebblestore does not return it: re-storing a header batch already on
// disk fails StoreHeaders' contiguity check with ErrNonContiguous.
type DuplicateError string

func (e DuplicateError) Error() string { return string(e) }

func (e DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// ErrDuplicate is the sentinel value DuplicateError.Is compares against.
var ErrDuplicate = errors.New("storage: duplicate")
