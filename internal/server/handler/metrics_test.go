package handler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordVerify_usesFixedResultLabels(t *testing.T) {
	const stream = "verify-metrics-stream"

	validBefore := testutil.ToFloat64(verifyTotal.WithLabelValues(stream, "valid"))
	invalidBefore := testutil.ToFloat64(verifyTotal.WithLabelValues(stream, "invalid"))

	RecordVerify(stream, true)
	RecordVerify(stream, false)
	RecordVerify(stream, false)

	if got := testutil.ToFloat64(verifyTotal.WithLabelValues(stream, "valid")) - validBefore; got != 1 {
		t.Errorf("valid count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(verifyTotal.WithLabelValues(stream, "invalid")) - invalidBefore; got != 2 {
		t.Errorf("invalid count = %v, want 2", got)
	}

	// Failure reasons never become result labels; a broken chain counts as
	// plain "invalid" no matter what broke it.
	for _, reason := range []string{"hash_mismatch", "chain_break", "signature_invalid", "sequence_gap"} {
		if got := testutil.ToFloat64(verifyTotal.WithLabelValues(stream, reason)); got != 0 {
			t.Errorf("unexpected %q series with count %v", reason, got)
		}
	}
}
