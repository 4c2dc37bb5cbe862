package postback

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/warp/reward-ledger/ledger"
)

// Digest algorithms partners sign with.
const (
	AlgorithmMD5    = "md5"
	AlgorithmSHA256 = "sha256"
)

// DefaultSignatureField is the query parameter carrying the digest.
const DefaultSignatureField = "signature"

// Signature describes how a partner signs its callbacks.
//
// The canonical string is the sorted key=value pairs joined with "&", with
// the secret appended, digested and hex encoded. Fields restricts which
// parameters are signed; empty means every parameter except Field.
type Signature struct {
	Field     string   `json:"field"`
	Secret    string   `json:"-"`
	Algorithm string   `json:"algorithm"`
	Fields    []string `json:"fields,omitempty"`
}

func (s Signature) withDefaults() Signature {
	if s.Field == "" {
		s.Field = DefaultSignatureField
	}
	s.Algorithm = strings.ToLower(s.Algorithm)
	if s.Algorithm == "" {
		s.Algorithm = AlgorithmSHA256
	}
	return s
}

func (s Signature) validate() error {
	if s.Secret == "" {
		return fmt.Errorf("signature secret is required")
	}
	switch s.Algorithm {
	case AlgorithmMD5, AlgorithmSHA256:
		return nil
	}
	return fmt.Errorf("unsupported signature algorithm %q", s.Algorithm)
}

// Canonical returns the string that gets digested.
func (s Signature) Canonical(q url.Values) string {
	keys := s.Fields
	if len(keys) == 0 {
		keys = make([]string, 0, len(q))
		for k := range q {
			if k != s.Field {
				keys = append(keys, k)
			}
		}
	} else {
		keys = append([]string(nil), keys...)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + q.Get(k)
	}
	return strings.Join(pairs, "&") + s.Secret
}

// Sign computes the hex digest for q.
func (s Signature) Sign(q url.Values) string {
	canonical := []byte(s.Canonical(q))
	switch s.Algorithm {
	case AlgorithmMD5:
		sum := md5.Sum(canonical)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(canonical)
		return hex.EncodeToString(sum[:])
	}
}

// Verify checks the digest carried in q.
func (s Signature) Verify(q url.Values) error {
	got := strings.ToLower(q.Get(s.Field))
	if got == "" {
		return fmt.Errorf("%w: missing %s", ledger.ErrSignatureInvalid, s.Field)
	}
	want := s.Sign(q)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ledger.ErrSignatureInvalid
	}
	return nil
}
