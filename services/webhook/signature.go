package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"artmarket-platform/pkg/errutil"
)

// SignatureHeader is the request header carrying the processor signature,
// formatted "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Payment-Signature"

// VerifySignature checks the delivery signature against the shared secret.
// The signed payload is "<t>.<body>"; deliveries older than the tolerance are
// rejected to bound replay. All failures map to a 400-class error so the
// processor retries through its own schedule rather than treating the
// endpoint as broken.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return errutil.BadRequest("missing signature header", nil)
	}

	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errutil.BadRequest("malformed signature timestamp", nil)
			}
			ts = parsed
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return errutil.BadRequest("malformed signature header", nil)
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return errutil.BadRequest("signature timestamp outside tolerance", nil)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errutil.BadRequest("signature verification failed", nil)
	}
	return nil
}

// Sign produces the signature header for a payload. Tests and the local
// delivery simulator use it; production deliveries are signed by the
// processor.
func Sign(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
