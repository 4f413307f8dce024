package dbusx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

const testDevicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

func TestProxyGuards(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	proxy := bus.Proxy(DeviceInterface, testDevicePath)

	_, err := proxy.Get("Connected")
	assert.ErrorIs(t, err, errorkinds.ErrNotInitialized)

	require.NoError(t, proxy.Initialize())
	require.NoError(t, proxy.Dispose())
	require.NoError(t, proxy.Dispose())

	_, err = proxy.Get("Connected")
	assert.ErrorIs(t, err, errorkinds.ErrDisposed)
}

func TestProxyGetSetCall(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	obj := conn.object(testDevicePath)
	obj.setProp(DeviceInterface, "Alias", "living-room")

	proxy := bus.Proxy(DeviceInterface, testDevicePath)
	require.NoError(t, proxy.Initialize())

	alias, err := proxy.Get("Alias")
	require.NoError(t, err)
	assert.Equal(t, "living-room", alias.Value())

	require.NoError(t, proxy.Set("Powered", BooleanValue(true)))
	powered, err := proxy.Get("Powered")
	require.NoError(t, err)
	assert.Equal(t, true, powered.Value())

	_, err = proxy.Call("Connect")
	require.NoError(t, err)

	calls := obj.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, DeviceInterface+".Connect", calls[len(calls)-1].Method)
}

func TestProxySurfaceDisposesOnLostTransport(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	obj := conn.object(testDevicePath)
	obj.reply(DeviceInterface+".Connect", func([]any) ([]any, error) {
		return nil, errors.New("org.bluez.Error.Failed: Not connected")
	})

	proxy := bus.Proxy(DeviceInterface, testDevicePath)
	require.NoError(t, proxy.Initialize())

	_, err := proxy.Call("Connect")
	require.Error(t, err)
	assert.Equal(t, errorkinds.Unavailable, ftag.Get(err))
	assert.True(t, errorkinds.IsNotConnected(err))
	assert.True(t, proxy.Disposed())

	_, err = proxy.Call("Connect")
	assert.ErrorIs(t, err, errorkinds.ErrDisposed)
}

func TestProxyWaitForPropertyAlreadySet(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	obj := conn.object(testDevicePath)
	obj.setProp(DeviceInterface, "ServicesResolved", true)

	proxy := bus.Proxy(DeviceInterface, testDevicePath)
	require.NoError(t, proxy.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	value, err := proxy.WaitForProperty(ctx, "ServicesResolved")
	require.NoError(t, err)
	assert.Equal(t, true, value.Value())
}

func TestProxyWaitForPropertySignalled(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	obj := conn.object(testDevicePath)
	obj.setProp(DeviceInterface, "ServicesResolved", false)

	proxy := bus.Proxy(DeviceInterface, testDevicePath)
	require.NoError(t, proxy.Initialize())

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.emitPropertiesChanged(testDevicePath, DeviceInterface, map[string]dbus.Variant{
			"ServicesResolved": dbus.MakeVariant(true),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := proxy.WaitForProperty(ctx, "ServicesResolved")
	require.NoError(t, err)
	assert.Equal(t, true, value.Value())
}

func TestProxyWaitForPropertyTimeout(t *testing.T) {
	conn := newFakeConn()
	bus := newTestBus(t, conn)

	obj := conn.object(testDevicePath)
	obj.setProp(DeviceInterface, "ServicesResolved", false)

	proxy := bus.Proxy(DeviceInterface, testDevicePath)
	require.NoError(t, proxy.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := proxy.WaitForProperty(ctx, "ServicesResolved")
	assert.ErrorIs(t, err, errorkinds.ErrTimeout)
}

func TestValueVariants(t *testing.T) {
	variant, err := StringValue("le").Variant()
	require.NoError(t, err)
	assert.Equal(t, "s", variant.Signature().String())

	variant, err = DictValue(map[string]Value{
		"Transport": StringValue("le"),
		"offset":    Uint16Value(0),
	}).Variant()
	require.NoError(t, err)
	assert.Equal(t, "a{sv}", variant.Signature().String())

	dict, ok := variant.Value().(map[string]dbus.Variant)
	require.True(t, ok)
	assert.Equal(t, "le", dict["Transport"].Value())
	assert.Equal(t, uint16(0), dict["offset"].Value())
}
