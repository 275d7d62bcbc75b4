// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/AleutianAI/bootwarden/internal/profile"
)

// archiveSource is one group of paths stored under a prefix in the archive.
type archiveSource struct {
	group string
	base  string
	paths []string
}

// archiveSources lists what an archive captures for p: GRUB defaults,
// scripts and fstab under config/, the GRUB and BLS trees under boot/, and
// the ESP's EFI directory under efi/.
func archiveSources(p profile.SystemProfile) []archiveSource {
	root := p.TargetRoot
	if root == "" {
		root = "/"
	}
	sources := []archiveSource{
		{group: "config", base: filepath.Join(root, "/etc"), paths: []string{"default/grub", "grub.d", "fstab"}},
		{group: "boot", base: filepath.Join(root, "/boot"), paths: []string{"grub", "grub2", "loader/entries"}},
	}
	if p.HasEFI() {
		sources = append(sources, archiveSource{
			group: "efi",
			base:  filepath.Join(root, p.EFIDirectory()),
			paths: []string{"EFI"},
		})
	}
	return sources
}

// writeArchive streams sources into w as tar+gzip, filling manifest.Files
// and appending manifest.json last.
func writeArchive(ctx context.Context, w io.Writer, sources []archiveSource, manifest *Manifest) error {
	gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, src := range sources {
		for _, rel := range src.paths {
			start := filepath.Join(src.base, rel)
			if _, err := os.Lstat(start); errors.Is(err, os.ErrNotExist) {
				continue
			}
			err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					return walkErr
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				relToBase, err := filepath.Rel(src.base, p)
				if err != nil {
					return err
				}
				name := path.Join(src.group, filepath.ToSlash(relToBase))
				return addEntry(tw, p, name, d, manifest)
			})
			if err != nil {
				return fmt.Errorf("archive %s: %w", start, err)
			}
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    ManifestName,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: manifest.Timestamp,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func addEntry(tw *tar.Writer, src, name string, d fs.DirEntry, manifest *Manifest) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(src); err != nil {
			return err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tw, hasher), f); err != nil {
		return err
	}
	manifest.Files[name] = hexSum(hasher)
	return nil
}

// ReadManifest opens an archive, checks every file against its manifest
// and returns the manifest.
//
// # Outputs
//
//   - Manifest: the decoded manifest.
//   - error: wraps ErrManifestInvalid when the manifest is missing,
//     unparsable, empty, or any checksum disagrees.
func ReadManifest(archivePath string) (Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	defer gz.Close()

	var (
		manifest    Manifest
		hasManifest bool
		actual      = make(map[string]string)
	)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: read archive: %v", ErrManifestInvalid, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Name == ManifestName {
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				return Manifest{}, fmt.Errorf("%w: parse manifest: %v", ErrManifestInvalid, err)
			}
			hasManifest = true
			continue
		}
		hasher := blake3.New()
		if _, err := io.Copy(hasher, tr); err != nil {
			return Manifest{}, fmt.Errorf("%w: read %s: %v", ErrManifestInvalid, hdr.Name, err)
		}
		actual[hdr.Name] = hexSum(hasher)
	}

	if !hasManifest {
		return Manifest{}, fmt.Errorf("%w: %s missing", ErrManifestInvalid, ManifestName)
	}
	if len(manifest.Files) == 0 {
		return Manifest{}, fmt.Errorf("%w: no files", ErrManifestInvalid)
	}
	for name, want := range manifest.Files {
		got, ok := actual[name]
		if !ok {
			return Manifest{}, fmt.Errorf("%w: %s listed but not archived", ErrManifestInvalid, name)
		}
		if got != want {
			return Manifest{}, fmt.Errorf("%w: checksum mismatch for %s", ErrManifestInvalid, name)
		}
	}
	for name := range actual {
		if _, ok := manifest.Files[name]; !ok {
			return Manifest{}, fmt.Errorf("%w: %s archived but not listed", ErrManifestInvalid, name)
		}
	}
	return manifest, nil
}
