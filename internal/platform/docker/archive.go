package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"time"
)

const archiveFileMode = 0o644

// BuildArchive packs a single file into an uncompressed tar stream, the format
// the engine's copy-to-container endpoint extracts into the destination dir.
func BuildArchive(fileName string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name:     fileName,
		Mode:     archiveFileMode,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
		ModTime:  time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}
