package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/Asort97/marzbanBot/clients/sqLite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedActive(t *testing.T, h *harness, userID int64, expiry time.Time) {
	t.Helper()
	ctx := context.Background()
	acc, err := h.panel.CreateAccount(ctx, AccountName(userID))
	require.NoError(t, err)
	require.NoError(t, h.store.Upsert(ctx, userID, sqlite.Fields{
		EndDate:   sqlite.Value(FormatExpiry(expiry)),
		AccessKey: sqlite.Value(accessKeyFromLinks(acc.Links)),
	}))
}

func TestSweepRevokesExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h, 1, baseTime.Add(-time.Second))
	seedActive(t, h, 2, baseTime.Add(time.Hour))

	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 2, Revoked: 1}, report)

	assert.Equal(t, "disabled", h.panel.status("user_1"))
	assert.Equal(t, "active", h.panel.status("user_2"))
	acc := h.store.row(1)
	assert.Empty(t, acc.EndDate)
	assert.Empty(t, acc.AccessKey)
	assert.NotEmpty(t, h.store.row(2).AccessKey)
	assert.Equal(t, []int64{1}, h.notifier.users)

	report, err = h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 1}, report)
	assert.Equal(t, []int64{1}, h.notifier.users)
}

func TestSweepKeepsSubscriptionEndingNow(t *testing.T) {
	h := newHarness(t)
	seedActive(t, h, 1, baseTime)

	report, err := h.r.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 1}, report)
	assert.Equal(t, "active", h.panel.status("user_1"))
	assert.Equal(t, baseTime, storedExpiry(t, h.store.row(1)))

	h.clock.Advance(time.Nanosecond)
	report, err = h.r.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)
}

func TestSweepDisableFailureLeavesRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h, 1, baseTime.Add(-time.Minute))
	before := h.store.row(1)

	h.panel.disableErr = errors.New("502 bad gateway")
	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, before, h.store.row(1))
	assert.Empty(t, h.notifier.users)

	h.panel.disableErr = nil
	report, err = h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)
	assert.Empty(t, h.store.row(1).AccessKey)
}

func TestSweepMissingRemoteAccountCountsAsRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, 3, sqlite.Fields{
		EndDate:   sqlite.Value(FormatExpiry(baseTime.Add(-time.Hour))),
		AccessKey: sqlite.Value("ss://gone"),
	}))

	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)
	assert.Empty(t, h.store.row(3).EndDate)
}

func TestSweepSkipsUnreadableExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, 1, sqlite.Fields{EndDate: sqlite.Value("yesterday")}))
	seedActive(t, h, 2, baseTime.Add(-time.Hour))

	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 2, Revoked: 1, Skipped: 1}, report)
	assert.Equal(t, "yesterday", h.store.row(1).EndDate)
}

func TestSweepLegacyExpiryFormat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h, 1, baseTime)
	require.NoError(t, h.store.Upsert(ctx, 1, sqlite.Fields{EndDate: sqlite.Value("2026-02-01T10:00:00.123456")}))

	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)
}

func TestSweepRenewedDuringDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h, 1, baseTime.Add(-time.Hour))

	renewed := FormatExpiry(baseTime.Add(30 * 24 * time.Hour))
	h.store.beforeClear = func(userID int64) {
		require.NoError(t, h.store.Upsert(ctx, userID, sqlite.Fields{EndDate: sqlite.Value(renewed)}))
	}

	report, err := h.r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Revoked)

	acc := h.store.row(1)
	assert.Equal(t, renewed, acc.EndDate)
	assert.NotEmpty(t, acc.AccessKey)
	assert.Equal(t, "active", h.panel.status("user_1"))
	assert.Empty(t, h.notifier.users)
}

func TestSweepStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	seedActive(t, h, 1, baseTime.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.r.SweepExpired(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, h.store.row(1).EndDate)
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	h := newHarness(t)
	seedActive(t, h, 1, baseTime.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.store.row(1).EndDate == ""
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
