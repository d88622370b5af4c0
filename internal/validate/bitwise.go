package validate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/quorum/internal/storage"
)

// Bitwise treats results as equivalent when their output bytes are
// identical. With Dir set it hashes the file Dir/<result name>; otherwise it
// uses the digest the host reported.
type Bitwise struct {
	Dir string
}

func (b Bitwise) Init(_ context.Context, r *storage.Result) (Handle, error) {
	if b.Dir == "" {
		if r.OutputDigest == "" {
			return nil, fmt.Errorf("result %s has no output digest: %w", r.Name, ErrPermanent)
		}
		return r.OutputDigest, nil
	}
	data, err := os.ReadFile(filepath.Join(b.Dir, r.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("output of %s not uploaded yet: %w", r.Name, ErrTransient)
	}
	if err != nil {
		return nil, fmt.Errorf("read output of %s: %v: %w", r.Name, err, ErrTransient)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("output of %s is empty: %w", r.Name, ErrPermanent)
	}
	return Digest(data), nil
}

func (Bitwise) Compare(_ context.Context, _ *storage.Result, ha Handle, _ *storage.Result, hb Handle) (bool, error) {
	a, ok1 := ha.(string)
	b, ok2 := hb.(string)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("bitwise compare: unexpected handle types %T, %T: %w", ha, hb, ErrPermanent)
	}
	return a == b, nil
}

func (Bitwise) Cleanup(*storage.Result, Handle) {}

// Digest is the hex SHA3-256 of output data, the format hosts report.
func Digest(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
