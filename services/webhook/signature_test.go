package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)
	now := time.Now()
	header := Sign(body, "whsec_test", now)

	require.NoError(t, VerifySignature(body, header, "whsec_test", 5*time.Minute, now))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	header := Sign([]byte(`{"amount":100}`), "whsec_test", now)

	err := VerifySignature([]byte(`{"amount":999}`), header, "whsec_test", 5*time.Minute, now)
	require.Error(t, err)
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	header := Sign(body, "whsec_other", now)

	err := VerifySignature(body, header, "whsec_test", 5*time.Minute, now)
	require.Error(t, err)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	signedAt := time.Now().Add(-10 * time.Minute)
	header := Sign(body, "whsec_test", signedAt)

	err := VerifySignature(body, header, "whsec_test", 5*time.Minute, time.Now())
	require.Error(t, err)

	// A zero tolerance disables the replay window.
	require.NoError(t, VerifySignature(body, header, "whsec_test", 0, time.Now()))
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	for _, header := range []string{
		"",
		"v1=deadbeef",
		"t=notanumber,v1=deadbeef",
		"t=123",
		"garbage",
	} {
		err := VerifySignature(body, header, "whsec_test", 5*time.Minute, now)
		require.Error(t, err, "header %q should fail", header)
	}
}
