package transport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	bluezDeviceIface = "org.bluez.Device1"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Device is a Bluetooth device known to BlueZ.
type Device struct {
	Address string
	Name    string
	Paired  bool
}

// BlueZPairing asks the BlueZ daemon over the system D-Bus whether a device
// with the given address is paired.
type BlueZPairing struct {
	// connect is swapped out by tests.
	connect func() (*dbus.Conn, error)
}

func NewBlueZPairing() *BlueZPairing {
	return &BlueZPairing{connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }}
}

func (b *BlueZPairing) IsPaired(address string) bool {
	objects, err := b.objects()
	if err != nil {
		log.Warnf("bluez: %v", err)
		return false
	}
	return pairedIn(objects, address)
}

// Devices lists every device BlueZ knows about, ordered by address.
func (b *BlueZPairing) Devices() ([]Device, error) {
	objects, err := b.objects()
	if err != nil {
		return nil, err
	}
	return devicesIn(objects), nil
}

func (b *BlueZPairing) objects() (managedObjects, error) {
	conn, err := b.connect()
	if err != nil {
		return nil, fmt.Errorf("system bus unavailable: %w", err)
	}
	defer conn.Close()

	var objects managedObjects
	err = conn.Object(bluezService, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return objects, nil
}

func pairedIn(objects managedObjects, address string) bool {
	for _, d := range devicesIn(objects) {
		if strings.EqualFold(d.Address, address) {
			return d.Paired
		}
	}
	return false
}

func devicesIn(objects managedObjects) []Device {
	var out []Device
	for _, ifaces := range objects {
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		var d Device
		d.Address, _ = props["Address"].Value().(string)
		d.Name, _ = props["Name"].Value().(string)
		d.Paired, _ = props["Paired"].Value().(bool)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
