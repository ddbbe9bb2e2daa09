package host

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"hash"
	"strings"
)

// ErrIntegrity is returned when a module body matches none of the hashes
// its import map integrity metadata lists.
var ErrIntegrity = errors.New("integrity check failed")

var integrityHashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// verifyIntegrity checks body against subresource integrity metadata such
// as "sha384-<base64> sha512-<base64>". Empty metadata, or metadata naming
// only unsupported algorithms, passes.
func verifyIntegrity(body []byte, metadata string) error {
	checked := false
	for _, token := range strings.Fields(metadata) {
		token, _, _ = strings.Cut(token, "?")
		alg, want, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		newHash, ok := integrityHashes[strings.ToLower(alg)]
		if !ok {
			continue
		}
		checked = true

		h := newHash()
		h.Write(body)
		got := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return nil
		}
	}
	if checked {
		return ErrIntegrity
	}
	return nil
}
