package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/protocol"
	"github.com/h2-dashboard/backend/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(tel *Telemetry) (*Dispatcher, *fakeConn) {
	conn := newFakeConn()
	return NewDispatcher(tel, conn, logging.Component(logging.Discard(), "dispatch")), conn
}

func TestDispatcher_StopForcesZeroRPM(t *testing.T) {
	for _, rpm := range []int{0, 1, 400, 5000} {
		tel := newTestTelemetry(10)
		d, conn := newTestDispatcher(tel)

		st, err := d.ControlPump(context.Background(), models.PumpAnode, false, models.Counterclockwise, rpm)
		require.NoError(t, err)

		assert.Equal(t, 0, st.RPM, "rpm %d", rpm)
		assert.Equal(t, 0, tel.Pumps().Anode.RPM, "rpm %d", rpm)
		cmd := conn.Emitted()[0].(protocol.PumpControl)
		assert.Equal(t, 0, cmd.RPM)
		assert.False(t, cmd.IsOn)
	}
}

func TestDispatcher_AppliesOptimisticStateAndSpeedPoint(t *testing.T) {
	tel := newTestTelemetry(10)
	d, conn := newTestDispatcher(tel)

	st, err := d.ControlPump(context.Background(), models.PumpCathode, true, "", 0)
	require.NoError(t, err)

	want := models.PumpState{IsOn: true, Direction: models.Clockwise, RPM: models.DefaultRPM}
	assert.Equal(t, want, st)
	assert.Equal(t, want, tel.Pumps().Cathode)
	assert.Equal(t, models.StoppedPump(), tel.ConfirmedPumps().Cathode)

	speed, _ := tel.PairSeries(models.StreamPumpSpeed)
	require.Len(t, speed, 1)
	assert.Equal(t, 0.0, speed[0].Anode)
	assert.Equal(t, 400.0, speed[0].Cathode)

	cmds := conn.Emitted()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.PumpControl{Pump: models.PumpCathode, IsOn: true, Direction: models.Clockwise, RPM: 400, Seq: 1}, cmds[0])
}

func TestDispatcher_RejectsInvalidCommands(t *testing.T) {
	tel := newTestTelemetry(10)
	d, conn := newTestDispatcher(tel)

	_, err := d.ControlPump(context.Background(), "middle", true, models.Clockwise, 100)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.ControlPump(context.Background(), models.PumpAnode, true, "sideways", 100)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.ControlPump(context.Background(), models.PumpAnode, true, models.Clockwise, -5)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	assert.Empty(t, conn.Emitted())
	assert.Equal(t, models.StoppedPump(), tel.Pumps().Anode)
}

func TestDispatcher_ConnectFailureLeavesStateAlone(t *testing.T) {
	tel := newTestTelemetry(10)
	d, conn := newTestDispatcher(tel)
	conn.connectErr = transport.ErrConnectionTimeout

	_, err := d.ControlPump(context.Background(), models.PumpAnode, true, models.Clockwise, 300)
	assert.ErrorIs(t, err, transport.ErrConnectionTimeout)
	assert.Equal(t, models.StoppedPump(), tel.Pumps().Anode)
}

func TestDispatcher_EmitFailureReverts(t *testing.T) {
	tel := newTestTelemetry(10)
	d, conn := newTestDispatcher(tel)
	conn.emitErr = transport.ErrNotConnected

	_, err := d.ControlPump(context.Background(), models.PumpAnode, true, models.Clockwise, 300)
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	assert.Equal(t, models.StoppedPump(), tel.Pumps().Anode)
	speed, _ := tel.PairSeries(models.StreamPumpSpeed)
	require.Len(t, speed, 2, "optimistic point then the revert point")
	assert.Equal(t, 0.0, speed[1].Anode)
}

func TestDispatcher_StaleConfirmationIgnored(t *testing.T) {
	tel := newTestTelemetry(10)
	d, _ := newTestDispatcher(tel)
	ctx := context.Background()

	_, err := d.ControlPump(ctx, models.PumpAnode, true, models.Clockwise, 300)
	require.NoError(t, err)
	_, err = d.ControlPump(ctx, models.PumpAnode, true, models.Clockwise, 500)
	require.NoError(t, err)

	tel.HandleEvent(protocol.PumpStatusUpdate{Pump: models.PumpAnode, Seq: 1,
		Status: models.PumpState{IsOn: true, Direction: models.Clockwise, RPM: 300}})
	assert.Equal(t, 500, tel.Pumps().Anode.RPM, "older confirmation must not win")

	tel.HandleEvent(protocol.PumpStatusUpdate{Pump: models.PumpAnode, Seq: 2,
		Status: models.PumpState{IsOn: true, Direction: models.Clockwise, RPM: 480}})
	assert.Equal(t, 480, tel.Pumps().Anode.RPM)
	assert.Equal(t, 480, tel.ConfirmedPumps().Anode.RPM)

	tel.HandleEvent(protocol.PumpStatusUpdate{Pump: models.PumpAnode,
		Status: models.PumpState{IsOn: false, Direction: models.Clockwise, RPM: 0}})
	assert.False(t, tel.Pumps().Anode.IsOn, "unsequenced updates are authoritative")
}

func TestDispatcher_ConfirmTimeout(t *testing.T) {
	newTel := func() *Telemetry {
		return NewTelemetry(Options{
			Capacity:       10,
			ConfirmTimeout: 30 * time.Millisecond,
			Log:            logging.Component(logging.Discard(), "ingest"),
		})
	}

	t.Run("reverts when unconfirmed", func(t *testing.T) {
		tel := newTel()
		d, _ := newTestDispatcher(tel)

		_, err := d.ControlPump(context.Background(), models.PumpAnode, true, models.Clockwise, 300)
		require.NoError(t, err)
		assert.True(t, tel.Pumps().Anode.IsOn)

		require.Eventually(t, func() bool {
			return !tel.Pumps().Anode.IsOn
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, models.StoppedPump(), tel.Pumps().Anode)
	})

	t.Run("confirmation cancels revert", func(t *testing.T) {
		tel := newTel()
		d, _ := newTestDispatcher(tel)

		_, err := d.ControlPump(context.Background(), models.PumpAnode, true, models.Clockwise, 300)
		require.NoError(t, err)
		tel.HandleEvent(protocol.PumpStatusUpdate{Pump: models.PumpAnode, Seq: 1,
			Status: models.PumpState{IsOn: true, Direction: models.Clockwise, RPM: 300}})

		time.Sleep(80 * time.Millisecond)
		assert.True(t, tel.Pumps().Anode.IsOn)
	})
}

func TestDispatcher_EmitErrorIsWrapped(t *testing.T) {
	tel := newTestTelemetry(10)
	d, conn := newTestDispatcher(tel)
	boom := errors.New("boom")
	conn.emitErr = boom

	_, err := d.ControlPump(context.Background(), models.PumpCathode, true, models.Clockwise, 100)
	assert.ErrorIs(t, err, boom)
}
