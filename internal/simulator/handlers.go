package simulator

import (
	"context"
	"strconv"
	"time"
)

// Values reported by the default handlers.
const (
	DefaultVersion     = "mbed-os-simulator-6.16.0"
	DefaultAddress     = "C0:FF:EE:00:00:01"
	DefaultAddressType = "ADDR_TYPE_RANDOM_STATIC"
	maxScanDuration    = 10 * time.Second
)

// Address is the gap getAddress result.
type Address struct {
	AddressType string `json:"address_type"`
	Address     string `json:"address"`
}

// AdvertisingReport is the event raised for every device seen while scanning.
type AdvertisingReport struct {
	Event   string `json:"event"`
	Peer    string `json:"peer_address"`
	RSSI    int    `json:"rssi"`
	Payload string `json:"payload"`
}

func (s *Simulator) registerDefaults() {
	s.Handle("ble", "init", s.bleInit)
	s.Handle("ble", "shutdown", s.bleShutdown)
	s.Handle("ble", "reset", s.bleReset)
	s.Handle("ble", "getVersion", s.bleGetVersion)
	s.Handle("gap", "getAddress", s.requireInit(s.gapGetAddress))
	s.Handle("gap", "startScan", s.requireInit(s.gapStartScan))
}

// requireInit fails commands sent before "ble init".
func (s *Simulator) requireInit(h Handler) Handler {
	return func(ctx context.Context, req Request) Reply {
		if !s.initialized.Load() {
			return Reply{Status: StatusFail, Error: "BLE_ERROR_INITIALIZATION_INCOMPLETE"}
		}
		return h(ctx, req)
	}
}

func (s *Simulator) bleInit(context.Context, Request) Reply {
	s.initialized.Store(true)
	return Reply{Status: StatusSuccess}
}

func (s *Simulator) bleShutdown(context.Context, Request) Reply {
	if !s.initialized.Swap(false) {
		return Reply{Status: StatusFail, Error: "Failled to shutdown the ble instance"}
	}
	return Reply{Status: StatusSuccess}
}

func (s *Simulator) bleReset(context.Context, Request) Reply {
	s.initialized.Store(true)
	return Reply{Status: StatusSuccess}
}

func (s *Simulator) bleGetVersion(context.Context, Request) Reply {
	return Reply{Status: StatusSuccess, Result: DefaultVersion}
}

func (s *Simulator) gapGetAddress(context.Context, Request) Reply {
	return Reply{
		Status: StatusSuccess,
		Result: Address{AddressType: DefaultAddressType, Address: DefaultAddress},
	}
}

// gapStartScan takes a duration in milliseconds and an optional peer address.
// It answers once the scan window elapsed, reporting the peer when given.
func (s *Simulator) gapStartScan(_ context.Context, req Request) Reply {
	if len(req.Args) == 0 {
		return Reply{Status: StatusInvalidParams, Error: "duration missing"}
	}
	ms, err := strconv.Atoi(req.Args[0])
	if err != nil || ms < 0 {
		return Reply{Status: StatusInvalidParams, Error: "invalid duration"}
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxScanDuration {
		d = maxScanDuration
	}

	reply := Reply{Status: StatusSuccess, Delay: d, Result: []AdvertisingReport{}}
	if len(req.Args) > 1 {
		report := AdvertisingReport{Event: "advertisingReport", Peer: req.Args[1], RSSI: -42, Payload: "020106"}
		reply.Events = []any{report}
		reply.Result = []AdvertisingReport{report}
	}
	return reply
}
