package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"trialrand/internal/randomization/models"
)

// Digest returns the hex blake2b-256 of r.
func Digest(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("digest list: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Read parses src and digests the exact bytes parsed.
func Read(ctx context.Context, src Source, cols models.Columns) ([]models.Row, string, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, "", err
	}
	rows, err := ParseCSV(io.TeeReader(rc, h), cols)
	if err != nil {
		return nil, "", err
	}
	// drain anything the csv reader did not consume so the digest covers
	// the whole object
	if _, err := io.Copy(h, rc); err != nil {
		return nil, "", fmt.Errorf("digest list: %w", err)
	}
	return rows, hex.EncodeToString(h.Sum(nil)), nil
}
