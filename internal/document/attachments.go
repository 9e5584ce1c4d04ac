package document

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipDir writes every file below srcDir into the zip at dstPath, named by its
// path relative to srcDir, and returns the hex sha256 of the archive. ok is
// false when srcDir is missing or empty, in which case nothing is written.
func ZipDir(srcDir, dstPath string) (checksum string, ok bool, err error) {
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read attachments directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := writeZip(srcDir, dstPath); err != nil {
		_ = os.Remove(dstPath)
		return "", false, err
	}

	checksum, err = fileChecksum(dstPath)
	if err != nil {
		return "", false, err
	}
	return checksum, true, nil
}

func writeZip(srcDir, dstPath string) error {
	zipFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	err = filepath.WalkDir(srcDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}

		fileInfo, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info: %w", err)
		}

		header, err := zip.FileInfoHeader(fileInfo)
		if err != nil {
			return fmt.Errorf("failed to create file header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to create zip entry: %w", err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer file.Close()

		if _, err := io.Copy(writer, file); err != nil {
			return fmt.Errorf("failed to write %s: %w", relPath, err)
		}
		return nil
	})
	if err != nil {
		_ = zipWriter.Close()
		return fmt.Errorf("failed to zip attachments: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish zip file: %w", err)
	}
	return zipFile.Close()
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
