// Package replaces rewrites dialog-replacement references that cross the
// bridge. A third party names the dialog it wants to replace by Call-ID
// and tags, but the dialog it actually negotiated lives on the far side
// of the B2B bridge; the call registry supplies the translation.
package replaces

import (
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

// RewriteReplaces maps a Replaces header value ("callid;from-tag=f;to-tag=t")
// onto the peer dialog registered under the to-tag. The early-only flag is
// preserved; all other parameters are dropped, as the mapped dialog has no
// use for them. Returns the input unchanged (and false) when the value
// does not parse or the tag is unknown.
func RewriteReplaces(value string, reg *registry.CallRegistry) (string, bool) {
	_, _, toTag, earlyOnly, ok := parseReplaces(value)
	if !ok {
		return value, false
	}

	entry, found := reg.LookupCall(toTag)
	if !found {
		return value, false
	}

	out := entry.CallID + ";from-tag=" + entry.LocalTag + ";to-tag=" + entry.RemoteTag
	if earlyOnly {
		out += ";early-only"
	}
	return out, true
}

// RewriteReferTo rewrites the URL-encoded Replaces URI-header inside a
// Refer-To value. Display name, other URI-headers and header parameters
// after the angle bracket are preserved in place.
func RewriteReferTo(value string, reg *registry.CallRegistry) (string, bool) {
	lt := strings.Index(value, "<")
	gt := strings.Index(value, ">")
	if lt < 0 || gt < 0 || gt < lt {
		return value, false
	}
	uri := value[lt+1 : gt]

	q := strings.Index(uri, "?")
	if q < 0 {
		return value, false
	}
	hdrs := strings.Split(uri[q+1:], ";")

	rewritten := false
	for i, h := range hdrs {
		decoded, err := percentDecode(h)
		if err != nil {
			continue
		}
		replacesVal, isReplaces := cutReplacesHeader(decoded)
		if !isReplaces {
			continue
		}
		mapped, ok := RewriteReplaces(replacesVal, reg)
		if !ok {
			return value, false
		}
		hdrs[i] = "Replaces=" + percentEncode(mapped)
		rewritten = true
		break
	}
	if !rewritten {
		return value, false
	}

	return value[:lt+1] + uri[:q+1] + strings.Join(hdrs, ";") + value[gt:], true
}

// RewriteRequest fixes dialog-replacement references in a request's
// headers before it is bridged: the Replaces header of an INVITE, the
// Refer-To of a REFER. Reports whether anything was rewritten.
func RewriteRequest(method sip.RequestMethod, hdrs dialog.Headers, reg *registry.CallRegistry) bool {
	if hdrs == nil || reg == nil {
		return false
	}
	switch method {
	case sip.INVITE:
		v := hdrs.Get("Replaces")
		if v == "" {
			return false
		}
		mapped, ok := RewriteReplaces(v, reg)
		if ok {
			hdrs["Replaces"] = mapped
		}
		return ok
	case sip.REFER:
		v := hdrs.Get("Refer-To")
		if v == "" {
			return false
		}
		mapped, ok := RewriteReferTo(v, reg)
		if ok {
			hdrs["Refer-To"] = mapped
		}
		return ok
	default:
		return false
	}
}

func parseReplaces(value string) (callID, fromTag, toTag string, earlyOnly, ok bool) {
	semi := strings.Index(value, ";")
	if semi < 0 {
		return "", "", "", false, false
	}
	callID = value[:semi]

	fromTag = paramValue(value, "from-tag=")
	toTag = paramValue(value, "to-tag=")
	if callID == "" || fromTag == "" || toTag == "" {
		return "", "", "", false, false
	}
	earlyOnly = strings.Contains(value, "early-only")
	return callID, fromTag, toTag, earlyOnly, true
}

func paramValue(value, name string) string {
	i := strings.Index(value, name)
	if i < 0 {
		return ""
	}
	v := value[i+len(name):]
	if j := strings.Index(v, ";"); j >= 0 {
		v = v[:j]
	}
	return v
}

// cutReplacesHeader recognizes a decoded "Replaces = value" URI-header,
// tolerating whitespace around the equals sign.
func cutReplacesHeader(s string) (string, bool) {
	if !strings.HasPrefix(s, "Replaces") {
		return "", false
	}
	rest := strings.TrimLeft(s[len("Replaces"):], " \t")
	if !strings.HasPrefix(rest, "=") {
		return "", false
	}
	return strings.TrimLeft(rest[1:], " \t"), true
}

var errBadEscape = errors.New("invalid percent escape")

const upperhex = "0123456789ABCDEF"

func unreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' || c == '~'
}

func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errBadEscape
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", errBadEscape
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
