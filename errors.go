// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package fleece

import "errors"

var (
	// ErrInvalidData means the file is not a database, or its entire
	// trailer chain is unrecoverable.
	ErrInvalidData = errors.New("invalid data")

	// ErrReadOnly means a mutating operation was attempted on a
	// read-only handle.
	ErrReadOnly = errors.New("database is read-only")

	// ErrIllegalCheckpoint means a checkpoint is beyond the file or
	// not page-aligned.
	ErrIllegalCheckpoint = errors.New("illegal checkpoint")
)
