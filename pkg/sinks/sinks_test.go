package sinks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/iface"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/offset"
	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
	"github.com/cdcsource/mysql-incremental-source/pkg/logging"
)

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Output: &buf})
	require.NoError(t, err)

	s := NewLogSink(logger)
	ev := iface.Event{Op: iface.OpInsert, Table: split.TableID{Schema: "shop", Table: "orders"}, Offset: offset.Offset{File: "mysql-bin.000001", Pos: 4}}
	require.NoError(t, s.Emit(context.Background(), ev))

	assert.Contains(t, buf.String(), "shop.orders")
	assert.Contains(t, buf.String(), "INSERT")
}

func TestLogSinkToleratesNilLogger(t *testing.T) {
	s := NewLogSink(nil)
	assert.NoError(t, s.Emit(context.Background(), iface.Event{}))
}

func TestChannelSinkForwardsEvents(t *testing.T) {
	s := NewChannelSink(1)
	ev := iface.Event{Op: iface.OpDelete}
	require.NoError(t, s.Emit(context.Background(), ev))

	select {
	case got := <-s.Events():
		assert.Equal(t, iface.OpDelete, got.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelSinkEmitRespectsContextCancellation(t *testing.T) {
	s := NewChannelSink(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Emit(ctx, iface.Event{})
	assert.ErrorIs(t, err, context.Canceled)
}
