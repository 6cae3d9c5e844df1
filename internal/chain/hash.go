package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/gosuda/meterchain/internal/domain"
)

// Algorithm names the digest used for a block. It is stored on every block
// so that a chain stays verifiable after the configured default changes.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// GenesisHash is the previous-block hash of sequence 0.
var GenesisHash = strings.Repeat("0", 64) //nolint:gochecknoglobals // well-known sentinel

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SHA256, BLAKE2b256:
		return Algorithm(s), nil
	case "":
		return SHA256, nil
	}
	return "", fmt.Errorf("chain.ParseAlgorithm: unknown algorithm %q: %w", s, domain.ErrInvalidInput)
}

// Sum returns the lowercase hex digest of data.
func (a Algorithm) Sum(data []byte) (string, error) {
	switch a {
	case SHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case BLAKE2b256:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("chain.Algorithm.Sum: unknown algorithm %q", string(a))
}

// ContentHash is H(payload).
func ContentHash(alg Algorithm, payload []byte) (string, error) {
	return alg.Sum(payload)
}

// BlockHash is H(contentHash, previousBlockHash, sequence, metadata), the
// fields joined by newlines, sequence in base 10 and metadata as its JSON
// object encoding (keys sorted, {} when empty).
func BlockHash(alg Algorithm, contentHash, previousBlockHash string, sequence int64, metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("chain.BlockHash: metadata: %w", err)
	}

	var b strings.Builder
	b.WriteString(contentHash)
	b.WriteByte('\n')
	b.WriteString(previousBlockHash)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(sequence, 10))
	b.WriteByte('\n')
	b.Write(meta)

	return alg.Sum([]byte(b.String()))
}
