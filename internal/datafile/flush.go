// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package datafile

import "os"

// Flush forces f's written bytes to stable storage. When fullSync is
// set it first attempts a full-device barrier (F_FULLFSYNC, where the
// platform has one); if that is unsupported or fails it falls back to
// a regular fsync. The fallback path is adapted from SQLite.
func Flush(f *os.File, fullSync bool) error {
	if fullSync && fullFsync(int(f.Fd())) {
		return nil
	}
	return f.Sync()
}
