package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestStateHalfOpen(t *testing.T) {
	w := Window{OpensAt: at("2026-03-01T09:00:00Z"), ClosesAt: at("2026-03-01T10:00:00Z")}

	assert.Equal(t, NotYetOpen, w.State(at("2026-03-01T08:59:59Z").UTC()))
	assert.Equal(t, Open, w.State(*w.OpensAt))
	assert.Equal(t, Open, w.State(at("2026-03-01T09:59:59Z").UTC()))
	assert.Equal(t, Closed, w.State(*w.ClosesAt))
	assert.False(t, w.Contains(*w.ClosesAt))
}

func TestUnboundedSides(t *testing.T) {
	now := time.Now()
	assert.True(t, Window{}.Contains(now))
	assert.True(t, Window{OpensAt: at("2000-01-01T00:00:00Z")}.Contains(now))
	assert.False(t, Window{ClosesAt: at("2000-01-01T00:00:00Z")}.Contains(now))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_yet_open", NotYetOpen.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "closed", Closed.String())
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Mars/Olympus_Mons"))
	assert.Equal(t, "Europe/Berlin", LoadLocation("Europe/Berlin").String())
}

func TestInConvertsBounds(t *testing.T) {
	w := Window{OpensAt: at("2026-03-01T09:00:00Z")}.In(LoadLocation("Asia/Jakarta"))
	require.NotNil(t, w.OpensAt)
	assert.Nil(t, w.ClosesAt)
	assert.Equal(t, 16, w.OpensAt.Hour())
}
