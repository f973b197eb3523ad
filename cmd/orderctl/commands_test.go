package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orders/internal/domain/order"
)

const nativeOrder = `{
	"id": %q,
	"patient": {"id": "patient-1"},
	"encounter": {"id": "enc-1", "patient": {"id": "patient-1"}},
	"orderer": {"id": "provider-1"},
	"concept": {"id": "concept-aspirin", "name": "Aspirin"},
	"start_date": %q,
	"dose": 81,
	"dose_units": {"id": "concept-mg", "name": "mg"},
	"route": {"id": "concept-oral", "name": "Oral"},
	"frequency": {"concept": {"id": "concept-bid"}, "frequency_per_day": 2}%s
}`

// orderJSON renders a native aspirin order; days of zero leaves it open ended
func orderJSON(id, start string, days int) string {
	duration := ""
	if days > 0 {
		duration = fmt.Sprintf(`,
	"duration": %d,
	"duration_units": {"id": "concept-days", "mappings": [{"source_uuid": %q, "code": "D"}]}`, days, order.DurationSourceUUID)
	}
	return fmt.Sprintf(nativeOrder, id, start, duration)
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateValidOrder(t *testing.T) {
	out, err := run(t, orderJSON("ord-1", "2014-08-01T09:00:00Z", 5), "validate", "--now", "2014-09-01T00:00:00Z")
	require.NoError(t, err)

	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.False(t, report.FHIR)
	assert.Empty(t, report.Violations)
	require.NotNil(t, report.AutoExpireDate)
	assert.Equal(t, "2014-08-06T09:00:00Z", report.AutoExpireDate.UTC().Format(time.RFC3339))
}

func TestValidateFutureStart(t *testing.T) {
	out, err := run(t, orderJSON("ord-1", "2014-08-01T09:00:00Z", 5), "validate", "--now", "2014-07-01T00:00:00Z")
	require.ErrorIs(t, err, errInvalidOrder)

	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, order.FieldStartDate, report.Violations[0].Field)
	assert.Equal(t, order.CodeStartDateInFuture, report.Violations[0].Code)
	assert.Contains(t, report.Violations[0].Message, "scheduled date")
}

func TestValidateMalformed(t *testing.T) {
	_, err := run(t, `{"unknown_field": true}`, "validate")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errInvalidOrder)
}

func TestExpiry(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"days", []string{"--start", "2014-08-01T09:00:00Z", "--duration", "5"}, "2014-08-06T09:00:00Z"},
		{"month end clamps", []string{"--start", "2014-01-31T10:00:00Z", "--duration", "1", "--code", "M"}, "2014-02-28T10:00:00Z"},
		{"leap year", []string{"--start", "2012-02-29T00:00:00Z", "--duration", "1", "--code", "Y"}, "2013-02-28T00:00:00Z"},
		{"recurring interval", []string{"--start", "2014-08-01T00:00:00Z", "--duration", "6", "--code", "R", "--frequency-per-day", "3"}, "2014-08-03T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "", append([]string{"expiry"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(out))
		})
	}
}

func TestExpiryErrors(t *testing.T) {
	_, err := run(t, "", "expiry", "--start", "2014-08-01T00:00:00Z", "--duration", "6", "--code", "R")
	assert.ErrorIs(t, err, order.ErrInvalidDuration)

	_, err = run(t, "", "expiry", "--start", "2014-08-01T00:00:00Z", "--duration", "6", "--code", "Q")
	assert.ErrorIs(t, err, order.ErrUnsupportedDurationCode)

	_, err = run(t, "", "expiry", "--start", "yesterday")
	assert.Error(t, err)
}

// three aspirin orders: A runs for five days, B is open ended from the 4th,
// C starts exactly when A expires
func threeOrders() string {
	return "[" + strings.Join([]string{
		orderJSON("A", "2014-08-01T09:00:00Z", 5),
		orderJSON("B", "2014-08-04T09:00:00Z", 0),
		orderJSON("C", "2014-08-06T09:00:00Z", 0),
	}, ",") + "]"
}

func TestOverlaps(t *testing.T) {
	out, err := run(t, threeOrders(), "overlaps")
	require.NoError(t, err)

	var found []overlap
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	assert.Equal(t, []overlap{
		{Order: "A", Overlaps: "B"},
		{Order: "B", Overlaps: "C"},
	}, found)
}

func TestOverlapsRejectsNonArray(t *testing.T) {
	_, err := run(t, orderJSON("A", "2014-08-01T09:00:00Z", 5), "overlaps")
	assert.Error(t, err)
}

func TestActive(t *testing.T) {
	tests := []struct {
		asOf string
		want []string
	}{
		{"2014-08-05T00:00:00Z", []string{"A", "B"}},
		{"2014-08-06T09:00:00Z", []string{"B", "C"}},
		{"2014-07-01T00:00:00Z", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.asOf, func(t *testing.T) {
			out, err := run(t, threeOrders(), "active", "--as-of", tt.asOf)
			require.NoError(t, err)

			var active []string
			require.NoError(t, json.Unmarshal([]byte(out), &active))
			assert.Equal(t, tt.want, active)
		})
	}
}
