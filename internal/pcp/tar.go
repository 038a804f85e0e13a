package pcp

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"sort"
	"time"
)

// deterministicTar builds a tar archive whose entries are byte-for-byte
// reproducible: names sorted, mtime pinned to the capture timestamp,
// uid=gid=0, mode 0644, device 0:0 (spec §4.9 "Deterministic structure").
func deterministicTar(files map[string][]byte, mtime time.Time) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:     name,
			Size:     int64(len(content)),
			Mode:     0o644,
			Uid:      0,
			Gid:      0,
			ModTime:  mtime.UTC(),
			Format:   tar.FormatUSTAR,
			Devmajor: 0,
			Devminor: 0,
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("pcp: tar header %s: %w", name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("pcp: tar write %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("pcp: tar close: %w", err)
	}
	return buf.Bytes(), nil
}

// gzipBytes compresses data with a pinned header so the output stays
// deterministic.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	// The zero ModTime keeps the gzip header reproducible.
	w.ModTime = time.Time{}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
