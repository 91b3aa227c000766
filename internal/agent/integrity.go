package agent

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const integrityInfoVersion = 1

// IntegrityInfo is the JSON document accepted by the integrity_check_info
// property.
type IntegrityInfo struct {
	Version       int     `json:"Version"`
	HashAlgorithm string  `json:"HashAlgorithm"`
	ContentDigest string  `json:"ContentDigest"`
	ContentLength *uint64 `json:"ContentLength,omitempty"`
}

type integrityCheck struct {
	algorithm string
	newHash   func() hash.Hash
	digest    []byte
	length    *uint64
}

var hashAlgorithms = map[string]struct {
	newHash func() hash.Hash
	size    int
}{
	"SHA256": {sha256.New, sha256.Size},
	"SHA1":   {sha1.New, sha1.Size},
	"MD5":    {md5.New, md5.Size},
}

// parseIntegrityInfo validates raw eagerly so a malformed descriptor is
// rejected when the property is set rather than after the transfer.
func parseIntegrityInfo(raw string) (*integrityCheck, error) {
	var info IntegrityInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("integrity info is not valid JSON: %w", err)
	}

	if info.Version != integrityInfoVersion {
		return nil, fmt.Errorf("unsupported integrity info version %d", info.Version)
	}

	algorithm := strings.ToUpper(strings.ReplaceAll(info.HashAlgorithm, "-", ""))

	alg, ok := hashAlgorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", info.HashAlgorithm)
	}

	digest, err := decodeDigest(info.ContentDigest, alg.size)
	if err != nil {
		return nil, err
	}

	return &integrityCheck{
		algorithm: algorithm,
		newHash:   alg.newHash,
		digest:    digest,
		length:    info.ContentLength,
	}, nil
}

// decodeDigest accepts hex or standard base64.
func decodeDigest(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("content digest is empty")
	}

	if len(s) == hex.EncodedLen(size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("content digest is neither hex nor base64: %w", err)
	}

	if len(b) != size {
		return nil, fmt.Errorf("content digest has %d bytes, want %d", len(b), size)
	}

	return b, nil
}

// verify hashes the file at path and compares it with the expected digest.
func (c *integrityCheck) verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	h := c.newHash()

	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}

	if c.length != nil && uint64(n) != *c.length {
		return fmt.Errorf("content length %d, want %d", n, *c.length)
	}

	if got := h.Sum(nil); !bytes.Equal(got, c.digest) {
		return fmt.Errorf("%s digest %x, want %x", c.algorithm, got, c.digest)
	}

	return nil
}
