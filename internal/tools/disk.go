// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// MBRSize is the size of the first sector read from a disk.
const MBRSize = 512

// DiskSignatureReader reads the first sector of a disk.
type DiskSignatureReader interface {
	ReadMBR(disk string) ([]byte, error)
}

// RawDiskReader opens the block device directly.
type RawDiskReader struct{}

// ReadMBR reads exactly MBRSize bytes from the start of disk.
func (RawDiskReader) ReadMBR(disk string) ([]byte, error) {
	f, err := os.Open(disk)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", disk, err)
	}
	defer f.Close()

	buf := make([]byte, MBRSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read mbr of %s: %w", disk, err)
	}
	return buf, nil
}

var _ DiskSignatureReader = RawDiskReader{}

// HasBootSignature reports whether the sector ends in 0x55 0xAA.
func HasBootSignature(mbr []byte) bool {
	return len(mbr) >= MBRSize && mbr[510] == 0x55 && mbr[511] == 0xAA
}

// HasGRUBMarker reports whether the boot code area carries the GRUB boot.img
// string table. GRUB 2's boot.img embeds "GRUB " followed by its error
// strings in the first 440 bytes.
func HasGRUBMarker(mbr []byte) bool {
	code := mbr
	if len(code) > 440 {
		code = code[:440]
	}
	return bytes.Contains(code, []byte("GRUB"))
}
