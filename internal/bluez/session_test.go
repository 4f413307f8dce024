package bluez

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartblinds/bt2mqtt/internal/dbusx"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

const (
	testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	testMac         = "AA:BB:CC:DD:EE:FF"
)

type fakeManaged struct {
	mac string

	mu       sync.Mutex
	added    int
	removed  int
	disposed int
}

func (f *fakeManaged) Mac() string { return f.mac }

func (f *fakeManaged) Added(dev *Device) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.added++
	_ = dev.Dispose()
}

func (f *fakeManaged) Removed() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed++
}

func (f *fakeManaged) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disposed++

	return nil
}

func (f *fakeManaged) counts() (added, removed, disposed int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.added, f.removed, f.disposed
}

// registerAdapter places a powered-off, non-discovering adapter into the
// fake daemon tree.
func registerAdapter(conn *fakeConn) *fakeObject {
	obj := conn.register(testAdapterPath, dbusx.AdapterInterface)
	obj.setProp(dbusx.AdapterInterface, "Powered", false)
	obj.setProp(dbusx.AdapterInterface, "Discovering", false)

	return obj
}

func TestSessionStartSynthesizesExistingDevices(t *testing.T) {
	conn := newFakeConn()
	adapterObj := registerAdapter(conn)
	conn.register(DevicePath(testAdapterPath, testMac), dbusx.DeviceInterface)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{
		DesiredMacs:      []string{testMac},
		DiscoveryTimeout: 2 * time.Second,
	}, testLogger())
	defer func() { _ = session.Dispose() }()

	handler := &fakeManaged{mac: testMac}
	session.AddDevice(handler)

	require.NoError(t, session.Start(context.Background()))

	require.Eventually(t, func() bool {
		added, _, _ := handler.counts()
		return added == 1
	}, time.Second, 5*time.Millisecond)

	// The adapter was powered on, filtered to LE and set discovering.
	powered, err := session.Adapter().Powered()
	require.NoError(t, err)
	assert.True(t, powered)

	filters := adapterObj.callsTo(dbusx.AdapterInterface + ".SetDiscoveryFilter")
	require.Len(t, filters, 1)
	options, _ := filters[0].Args[0].(map[string]dbus.Variant)
	require.NotNil(t, options)
	assert.Equal(t, "le", options["Transport"].Value())

	assert.Len(t, adapterObj.callsTo(dbusx.AdapterInterface+".StartDiscovery"), 1)
}

func TestSessionDispatchesObjectSignals(t *testing.T) {
	conn := newFakeConn()
	registerAdapter(conn)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{}, testLogger())
	defer func() { _ = session.Dispose() }()

	handler := &fakeManaged{mac: testMac}
	session.AddDevice(handler)

	require.NoError(t, session.Start(context.Background()))

	devicePath := DevicePath(testAdapterPath, testMac)
	conn.register(devicePath, dbusx.DeviceInterface)
	conn.emitInterfacesAdded(devicePath, dbusx.DeviceInterface)

	require.Eventually(t, func() bool {
		added, _, _ := handler.counts()
		return added == 1
	}, time.Second, 5*time.Millisecond)

	conn.emitInterfacesRemoved(devicePath, dbusx.DeviceInterface)
	require.Eventually(t, func() bool {
		_, removed, _ := handler.counts()
		return removed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStartTimeoutIsNotAnError(t *testing.T) {
	conn := newFakeConn()
	registerAdapter(conn)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{
		DesiredMacs:      []string{testMac},
		DiscoveryTimeout: 50 * time.Millisecond,
	}, testLogger())
	defer func() { _ = session.Dispose() }()

	start := time.Now()
	require.NoError(t, session.Start(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSessionPollsForLateDevices(t *testing.T) {
	conn := newFakeConn()
	registerAdapter(conn)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{
		DesiredMacs:       []string{testMac},
		DiscoveryInterval: 20 * time.Millisecond,
		DiscoveryTimeout:  2 * time.Second,
	}, testLogger())
	defer func() { _ = session.Dispose() }()

	handler := &fakeManaged{mac: testMac}
	session.AddDevice(handler)

	started := make(chan error, 1)
	go func() { started <- session.Start(context.Background()) }()

	// The device enters the daemon tree without an object-added signal;
	// the periodic poll picks it up and Start returns.
	time.Sleep(50 * time.Millisecond)
	conn.register(DevicePath(testAdapterPath, testMac), dbusx.DeviceInterface)

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}

	require.Eventually(t, func() bool {
		added, _, _ := handler.counts()
		return added == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionUnknownAdapter(t *testing.T) {
	conn := newFakeConn()
	registerAdapter(conn)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{AdapterName: "hci9"}, testLogger())
	defer func() { _ = session.Dispose() }()

	err := session.Start(context.Background())
	assert.ErrorIs(t, err, errorkinds.ErrNotFound)
}

func TestSessionReconnectRespectsCap(t *testing.T) {
	conn := newFakeConn()
	registerAdapter(conn)
	conn.register(DevicePath(testAdapterPath, testMac), dbusx.DeviceInterface)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{
		DesiredMacs:          []string{testMac},
		DiscoveryTimeout:     2 * time.Second,
		MaxConnectRetries:    1,
		ConnectRetryInterval: 10 * time.Millisecond,
	}, testLogger())
	defer func() { _ = session.Dispose() }()

	handler := &fakeManaged{mac: testMac}
	session.AddDevice(handler)
	require.NoError(t, session.Start(context.Background()))

	require.Eventually(t, func() bool {
		added, _, _ := handler.counts()
		return added == 1
	}, time.Second, 5*time.Millisecond)

	// First reconnect is under the cap and re-dispatches the device.
	session.ReconnectDevice(testMac)
	require.Eventually(t, func() bool {
		added, _, _ := handler.counts()
		return added == 2
	}, time.Second, 5*time.Millisecond)

	// Second reconnect exceeds the cap; the counter never resets.
	session.ReconnectDevice(testMac)
	time.Sleep(50 * time.Millisecond)
	added, _, _ := handler.counts()
	assert.Equal(t, 2, added)
}

func TestSessionDisposeIdempotent(t *testing.T) {
	conn := newFakeConn()
	adapterObj := registerAdapter(conn)
	adapterObj.setProp(dbusx.AdapterInterface, "Discovering", true)

	bus := newTestBus(t, conn)
	session := NewSession(bus, Options{}, testLogger())

	handler := &fakeManaged{mac: testMac}
	session.AddDevice(handler)
	require.NoError(t, session.Start(context.Background()))

	require.NoError(t, session.Dispose())
	require.NoError(t, session.Dispose())

	_, _, disposed := handler.counts()
	assert.Equal(t, 1, disposed)
	assert.NotEmpty(t, adapterObj.callsTo(dbusx.AdapterInterface+".StopDiscovery"))
}
