package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/crawlnet/gateway/internal/types"
)

// canonicalSpec mirrors types.BrowserSpec field-for-field but is encoded
// with explicit key ordering so that two equal specs always produce
// identical bytes regardless of map iteration order. Fields are declared
// in alphabetical order of their JSON keys.
type canonicalSpec struct {
	ExtraArgs []string          `json:"extra_args"`
	Headers   []canonicalHeader `json:"headers"`
	Headless  bool              `json:"headless"`
	Locale    string            `json:"locale"`
	Proxy     string            `json:"proxy"`
	UserAgent string            `json:"user_agent"`
	Viewport  [2]int            `json:"viewport"`
}

type canonicalHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Fingerprint computes the stable hex digest used as the pool key for a
// BrowserSpec. Canonicalization sorts map keys so that differing
// insertion order of headers never changes the digest; unknown fields
// carried alongside a BrowserSpec (if any, at the caller's layer) never
// participate here by construction.
func Fingerprint(spec types.BrowserSpec) string {
	headers := make([]canonicalHeader, 0, len(spec.Headers))
	for k, v := range spec.Headers {
		headers = append(headers, canonicalHeader{Key: k, Value: v})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })

	extraArgs := append([]string(nil), spec.ExtraArgs...)
	sort.Strings(extraArgs)

	c := canonicalSpec{
		Headless:  spec.Headless,
		Viewport:  [2]int{spec.Viewport.Width, spec.Viewport.Height},
		UserAgent: spec.UserAgent,
		Proxy:     spec.Proxy,
		Locale:    spec.Locale,
		ExtraArgs: extraArgs,
		Headers:   headers,
	}

	// json.Marshal on a struct (not a map) emits fields in declaration
	// order with no whitespace; canonicalSpec and canonicalHeader declare
	// their fields in key order, giving the "canonical JSON, sorted keys,
	// no whitespace" encoding of the fingerprint format.
	encoded, err := json.Marshal(c)
	if err != nil {
		// Marshal of this struct can only fail on unsupported types,
		// which canonicalSpec never contains.
		panic("pool: fingerprint: unexpected marshal failure: " + err.Error())
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// DefaultFingerprint is the fingerprint of types.DefaultBrowserSpec(),
// identifying the single PERMANENT instance.
func DefaultFingerprint() string {
	return Fingerprint(types.DefaultBrowserSpec())
}
