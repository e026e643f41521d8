// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(loginsTotal.WithLabelValues("rejected"))
	RecordLogin("rejected")
	assert.InDelta(t, before+1, testutil.ToFloat64(loginsTotal.WithLabelValues("rejected")), 0)

	before = testutil.ToFloat64(registrationsTotal.WithLabelValues("conflict"))
	RecordRegistration("conflict")
	assert.InDelta(t, before+1, testutil.ToFloat64(registrationsTotal.WithLabelValues("conflict")), 0)

	before = testutil.ToFloat64(otpEventsTotal.WithLabelValues("expired"))
	RecordOTPEvent("expired")
	assert.InDelta(t, before+1, testutil.ToFloat64(otpEventsTotal.WithLabelValues("expired")), 0)

	before = testutil.ToFloat64(notificationsTotal.WithLabelValues("otp", "delivered"))
	RecordNotification("otp", true)
	assert.InDelta(t, before+1, testutil.ToFloat64(notificationsTotal.WithLabelValues("otp", "delivered")), 0)
}

func TestNewMetrics_RegistersDomainCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	RecordLogin("success")
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "identity_logins_total")
}
