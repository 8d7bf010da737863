package fediverse

import (
	"crypto/rsa"
	"net/http"
	"time"

	"github.com/fedimirror/fedimirror/internal/httpsig"
)

const dateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// signRequest stamps Host, Date, optionally Digest, and the Signature
// header onto an outbound request. GET requests sign (request-target) host
// date; requests with a body additionally cover digest.
func signRequest(req *http.Request, keyID string, key *rsa.PrivateKey, body []byte, now time.Time) error {
	host := req.URL.Host
	date := now.UTC().Format(dateLayout)
	req.Host = host
	req.Header.Set("Date", date)

	components := []httpsig.Component{
		httpsig.RequestTarget(req.Method, req.URL.Path, req.URL.RawQuery),
		{Name: "host", Value: host},
		{Name: "date", Value: date},
	}
	if body != nil {
		digest := httpsig.ComputeDigest(body)
		req.Header.Set("Digest", digest)
		components = append(components, httpsig.Component{Name: "digest", Value: digest})
	}

	signature, err := httpsig.Sign(components, key)
	if err != nil {
		return err
	}
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = c.Name
	}
	req.Header.Set("Signature", httpsig.BuildHeader(keyID, names, signature))
	return nil
}
