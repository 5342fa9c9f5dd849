package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blehost/internal/device"
)

// bleAdvertisement wraps ble.Advertisement to implement device.Advertisement
type bleAdvertisement struct {
	adv  ble.Advertisement
	name string
}

func newAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &bleAdvertisement{
		adv:  adv,
		name: device.DecodeName([]byte(adv.LocalName())),
	}
}

func (a *bleAdvertisement) LocalName() string { return a.name }
func (a *bleAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *bleAdvertisement) RSSI() int         { return a.adv.RSSI() }

func (a *bleAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

func (a *bleAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}
