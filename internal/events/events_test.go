package events

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "mesdeparts.rt.tripupdates.refreshed", Subject("tripupdates"))
	assert.Equal(t, "mesdeparts.rt.sa_de_v2.refreshed", Subject(" sa.de v2 "))
	assert.Equal(t, "mesdeparts.rt.__.refreshed", Subject("*>"))
	assert.Equal(t, "mesdeparts.rt._.refreshed", Subject(""))
}

func TestNoopNotifier(t *testing.T) {
	var n Notifier = Noop{}
	assert.NoError(t, n.Refreshed(context.Background(), Refreshed{Feed: "alerts"}))
}

func TestHandleMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var got []Refreshed
	collect := func(ev Refreshed) { got = append(got, ev) }

	handleMessage(logger, []byte(`{"feed":"alerts","kind":"alerts","fetchedAt":"2025-02-10T17:00:00Z"}`), collect)
	handleMessage(logger, []byte(`{not json`), collect)
	handleMessage(logger, []byte(`{"kind":"alerts"}`), collect)

	require.Len(t, got, 1)
	assert.Equal(t, "alerts", got[0].Feed)
	assert.True(t, got[0].FetchedAt.Equal(time.Date(2025, 2, 10, 17, 0, 0, 0, time.UTC)))
	assert.Contains(t, buf.String(), "invalid refresh event")
	assert.Contains(t, buf.String(), "refresh event without feed")
}
