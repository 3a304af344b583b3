package reqctx

import (
	"net/http"
	"strconv"
	"strings"
)

// ExtractCloudflare reads the CDN headers documented in spec.md §3's
// RequestContext.cloudflare. Every field degrades to its zero value
// when the header is absent or unparsable rather than erroring —
// these are advisory signals, not required input.
func ExtractCloudflare(r *http.Request) Cloudflare {
	cf := Cloudflare{
		Country: strings.ToUpper(strings.TrimSpace(r.Header.Get("CF-IPCountry"))),
		RayID:   r.Header.Get("CF-Ray"),
	}

	asn := r.Header.Get("CF-Connecting-ASN")
	if asn == "" {
		asn = r.Header.Get("CF-ASN")
	}
	cf.ASN = strings.TrimSpace(asn)

	if raw := r.Header.Get("CF-Threat-Score"); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			cf.ThreatScore = &v
		}
	}

	return cf
}
