package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/goveed/internal/core/state"
)

type mockDriver struct {
	mock.Mock
	medium Medium
}

func (d *mockDriver) Medium() Medium { return d.medium }

func (d *mockDriver) Scan(ctx context.Context, iface string) ([]Report, error) {
	args := d.Called(ctx, iface)
	reports, _ := args.Get(0).([]Report)
	return reports, args.Error(1)
}

func (d *mockDriver) Query(ctx context.Context, id string) (State, error) {
	args := d.Called(ctx, id)
	return args.Get(0).(State), args.Error(1)
}

func (d *mockDriver) Apply(ctx context.Context, id string, c Change) error {
	args := d.Called(ctx, id, c)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, drivers ...Driver) (*Manager, *state.EventBus) {
	t.Helper()
	bus := state.NewEventBus(testLogger())
	return NewManager(bus, nil, testLogger(), drivers...), bus
}

func TestManager_PollDiscoversInOrder(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	drv.On("Scan", mock.Anything, "0.0.0.0").Return([]Report{
		{ID: "b", Model: "H6159", State: &State{On: true, Brightness: 10}},
		{ID: "a", Model: "H6008"},
	}, nil)

	m, bus := newTestManager(t, drv)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	m.poll(context.Background(), drv, "0.0.0.0")

	assert.Equal(t, []string{"b", "a"}, m.DeviceIDs())

	d, ok := m.Device("b")
	require.True(t, ok)
	assert.Equal(t, MediumLAN, d.Medium)
	require.NotNil(t, d.State)
	assert.Equal(t, 10, d.State.Brightness)

	a, ok := m.Device("a")
	require.True(t, ok)
	assert.Nil(t, a.State)

	var types []state.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []state.EventType{
		state.EventDeviceAdded, state.EventStateChanged, state.EventDeviceAdded,
	}, types)
}

func TestManager_RepeatedScanKeepsOrder(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "x"}, {ID: "y"}}, nil).Once()
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "y"}, {ID: "z"}, {ID: "x"}}, nil).Once()

	m, _ := newTestManager(t, drv)
	m.poll(context.Background(), drv, "")
	m.poll(context.Background(), drv, "")

	assert.Equal(t, []string{"x", "y", "z"}, m.DeviceIDs())
}

func TestManager_SetColorMergesState(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	k := 4000
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{
		{ID: "a", State: &State{On: true, Brightness: 50, ColorTemperature: &k}},
	}, nil)
	col := RGB{R: 1, G: 2, B: 3}
	drv.On("Apply", mock.Anything, "a", Change{Color: &col}).Return(nil)

	m, _ := newTestManager(t, drv)
	m.poll(context.Background(), drv, "")

	require.NoError(t, m.SetColor(context.Background(), "a", col))

	d, _ := m.Device("a")
	require.NotNil(t, d.State.Color)
	assert.Equal(t, col, *d.State.Color)
	assert.Nil(t, d.State.ColorTemperature)
	assert.True(t, d.State.On)
	drv.AssertExpectations(t)
}

func TestManager_UnknownDevice(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.SetPower(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.RefreshState(context.Background(), "nope"), ErrNotFound)
}

func TestManager_ControlTimeout(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "a"}}, nil)
	drv.On("Apply", mock.Anything, "a", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	m, bus := newTestManager(t, drv)
	opts := DefaultOptions()
	opts.ControlTimeout = 20 * time.Millisecond
	m.Configure(opts)
	m.poll(context.Background(), drv, "")

	events, unsub := bus.Subscribe(4)
	defer unsub()

	err := m.SetBrightness(context.Background(), "a", 30)
	assert.ErrorIs(t, err, ErrTimeout)

	ev := <-events
	assert.Equal(t, state.EventCommandFailed, ev.Type)
	assert.Equal(t, "a", ev.DeviceID)
}

func TestManager_RefreshStoresState(t *testing.T) {
	drv := &mockDriver{medium: MediumBLE}
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "a"}}, nil)
	drv.On("Query", mock.Anything, "a").Return(State{On: true, Brightness: 75}, nil)

	m, _ := newTestManager(t, drv)
	m.poll(context.Background(), drv, "")
	require.NoError(t, m.RefreshState(context.Background(), "a"))

	d, _ := m.Device("a")
	require.NotNil(t, d.State)
	assert.Equal(t, 75, d.State.Brightness)
}

func TestManager_RefreshError(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "a"}}, nil)
	drv.On("Query", mock.Anything, "a").Return(State{}, ErrUnreachable)

	m, _ := newTestManager(t, drv)
	m.poll(context.Background(), drv, "")

	err := m.RefreshState(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestManager_StartRequiresAPIKeyForBLEAndHTTP(t *testing.T) {
	lan := &mockDriver{medium: MediumLAN}
	lan.On("Scan", mock.Anything, "10.0.0.2").Return([]Report{{ID: "lan-1"}}, nil)
	ble := &mockDriver{medium: MediumBLE}

	m, _ := newTestManager(t, lan, ble)
	opts := DefaultOptions()
	opts.PollerAddress = "10.0.0.2"
	m.Configure(opts)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return len(m.DeviceIDs()) == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()

	ble.AssertNotCalled(t, "Scan", mock.Anything, mock.Anything)
}

func TestManager_StartWithAPIKeyPollsBLE(t *testing.T) {
	ble := &mockDriver{medium: MediumBLE}
	ble.On("Scan", mock.Anything, "").Return([]Report{{ID: "ble-1"}}, nil)

	m, _ := newTestManager(t, ble)
	opts := DefaultOptions()
	opts.APIKey = "key"
	m.Configure(opts)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return len(m.DeviceIDs()) == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()

	d, ok := m.Device("ble-1")
	require.True(t, ok)
	assert.Equal(t, MediumBLE, d.Medium)
}

func TestManager_ScanErrorKeepsRegistry(t *testing.T) {
	drv := &mockDriver{medium: MediumLAN}
	drv.On("Scan", mock.Anything, mock.Anything).Return([]Report{{ID: "a"}}, nil).Once()
	drv.On("Scan", mock.Anything, mock.Anything).Return(nil, errors.New("socket closed")).Once()

	m, _ := newTestManager(t, drv)
	m.poll(context.Background(), drv, "")
	m.poll(context.Background(), drv, "")

	assert.Equal(t, []string{"a"}, m.DeviceIDs())
}

func TestParseMedium(t *testing.T) {
	for in, want := range map[string]Medium{"": MediumLAN, "lan": MediumLAN, "ble": MediumBLE, "http": MediumHTTP} {
		got, err := ParseMedium(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMedium("zigbee")
	assert.Error(t, err)
}
