package rdma

import (
	"fmt"

	"github.com/Mellanox/rdmamap"
)

// Device describes one RDMA-capable NIC and the netdev it is bound to, used
// to pick which device's attributes (§5) back a connection's address
// resolution.
type Device struct {
	Name   string // e.g. "mlx5_0"
	NetDev string // e.g. "eth0"
}

// ListDevices enumerates RDMA devices and their bound netdevs via sysfs,
// using github.com/Mellanox/rdmamap. This is the one piece of device
// discovery with ready-made library support; queue-pair/CM/verbs operations
// go through the cgo provider instead, since rdmamap has no verbs surface.
func ListDevices() ([]Device, error) {
	names := rdmamap.GetRdmaDeviceList()
	devices := make([]Device, 0, len(names))
	for _, name := range names {
		netdevs := rdmamap.GetNetDevicesForRdma(name)
		if len(netdevs) == 0 {
			devices = append(devices, Device{Name: name})
			continue
		}
		for _, nd := range netdevs {
			devices = append(devices, Device{Name: name, NetDev: nd})
		}
	}
	return devices, nil
}

// DeviceForNetdev resolves the RDMA device name bound to a given netdev,
// used when a configuration names a specific interface to bind signal
// connections to rather than letting the CM pick the default device.
func DeviceForNetdev(netdev string) (string, error) {
	name := rdmamap.GetRdmaDeviceForNetdevice(netdev)
	if name == "" {
		return "", fmt.Errorf("rdma: no RDMA device bound to netdev %q", netdev)
	}
	return name, nil
}
