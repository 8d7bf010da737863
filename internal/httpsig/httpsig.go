// Package httpsig implements the draft HTTP Signatures scheme used for
// server-to-server authentication in the Fediverse: RSA-SHA256 over a
// newline-joined canonical string of request metadata.
package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RequestTargetHeader is the pseudo-header covering method and path.
const RequestTargetHeader = "(request-target)"

const algorithm = "rsa-sha256"

// Component is one signed header: its lowercase name and the exact value
// that entered the canonical string.
type Component struct {
	Name  string
	Value string
}

// RequestTarget builds the (request-target) pseudo-header component.
func RequestTarget(method, path, query string) Component {
	target := strings.ToLower(method) + " " + path
	if query != "" {
		target += "?" + query
	}
	return Component{Name: RequestTargetHeader, Value: target}
}

// CanonicalString joins the components into the string that gets signed:
// one "{name}: {value}" line per component, newline-separated, no trailing
// newline.
func CanonicalString(components []Component) string {
	lines := make([]string, len(components))
	for i, c := range components {
		lines[i] = c.Name + ": " + c.Value
	}
	return strings.Join(lines, "\n")
}

// Sign signs the canonical string for the components with RSA-SHA256
// (PKCS#1 v1.5) and returns the base64 signature value.
func Sign(components []Component, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}
	digest := sha256.Sum256([]byte(CanonicalString(components)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign canonical string: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// BuildHeader assembles the Signature header value.
func BuildHeader(keyID string, componentNames []string, signature string) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, algorithm, strings.Join(componentNames, " "), signature)
}

// ComputeDigest returns the Digest header value for a request body:
// SHA-256 over the raw bytes, base64 encoded.
func ComputeDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Params is a parsed Signature header.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseHeader splits a Signature header into its quoted key=value pairs.
// Every field the verifier needs must be present.
func ParseHeader(header string) (Params, error) {
	fields := map[string]string{}
	for _, part := range splitQuoted(header) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	p := Params{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
		Signature: fields["signature"],
	}
	headerList, ok := fields["headers"]
	if !ok || p.KeyID == "" || p.Signature == "" {
		return Params{}, fmt.Errorf("signature header missing required field")
	}
	p.Headers = strings.Fields(strings.ToLower(headerList))
	if len(p.Headers) == 0 {
		return Params{}, fmt.Errorf("signature header covers no headers")
	}
	return p, nil
}

// splitQuoted splits on commas that sit outside double quotes, so base64
// payloads containing commas stay intact.
func splitQuoted(s string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// Verify checks an inbound request against the public key. It reconstructs
// the canonical string from the header's own covered-header list and the
// supplied request metadata. Any parse failure, a POST whose signature does
// not cover the digest, or a digest that does not match the body all yield
// false; callers never learn which check failed.
func Verify(header, method, path, query string, headers http.Header, body []byte, pub *rsa.PublicKey) bool {
	params, err := ParseHeader(header)
	if err != nil {
		return false
	}
	return VerifyParams(params, method, path, query, headers, body, pub)
}

// VerifyParams is Verify for a header the caller already parsed (the usual
// flow, since the keyId is needed to resolve the public key first).
func VerifyParams(params Params, method, path, query string, headers http.Header, body []byte, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	if params.Algorithm != "" && params.Algorithm != algorithm {
		return false
	}
	isPost := strings.EqualFold(method, http.MethodPost)
	coversDigest := false

	components := make([]Component, 0, len(params.Headers))
	for _, name := range params.Headers {
		switch name {
		case RequestTargetHeader:
			components = append(components, RequestTarget(method, path, query))
		case "digest":
			coversDigest = true
			supplied := headers.Get("Digest")
			if supplied == "" || supplied != ComputeDigest(body) {
				return false
			}
			components = append(components, Component{Name: name, Value: supplied})
		default:
			value := headers.Get(name)
			if value == "" {
				return false
			}
			components = append(components, Component{Name: name, Value: value})
		}
	}
	if isPost && !coversDigest {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(params.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(CanonicalString(components)))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw) == nil
}

// WithinSkew reports whether an HTTP Date header value parses and sits
// within tolerance of now.
func WithinSkew(date string, now time.Time, tolerance time.Duration) bool {
	t, err := http.ParseTime(date)
	if err != nil {
		return false
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
