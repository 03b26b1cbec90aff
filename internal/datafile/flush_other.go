// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

//go:build !darwin

package datafile

func fullFsync(int) bool { return false }
