// Package throttle holds the fixed network, CPU and device profiles a test can
// be measured under.
package throttle

import (
	"fmt"

	"github.com/irisor/perf-tester/internal/types"
)

// Viewport is the emulated device screen.
type Viewport struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Mobile            bool
}

// Profile describes one throttling setup. Throughput values are in bits per second.
type Profile struct {
	Name              types.Mode
	DownloadBps       float64
	UploadBps         float64
	LatencyMs         float64
	CPUSlowdownFactor float64
	Viewport          Viewport
	UserAgent         string
}

// DownloadBytesPerSec converts the download throughput to what CDP expects.
func (p Profile) DownloadBytesPerSec() float64 { return p.DownloadBps / 8 }

// UploadBytesPerSec converts the upload throughput to what CDP expects.
func (p Profile) UploadBytesPerSec() float64 { return p.UploadBps / 8 }

const (
	kbps = 1024
	mbps = 1024 * kbps

	mobileUserAgent  = "Mozilla/5.0 (Linux; Android 11; moto g power (2022)) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// profiles is built once and never mutated; Lookup hands out copies.
var profiles = map[types.Mode]Profile{
	types.ModeCustom: {
		Name:              types.ModeCustom,
		DownloadBps:       1.5 * mbps,
		UploadBps:         750 * kbps,
		LatencyMs:         40,
		CPUSlowdownFactor: 4,
		Viewport:          Viewport{Width: 1280, Height: 800, DeviceScaleFactor: 1},
		UserAgent:         desktopUserAgent,
	},
	types.ModePageSpeedMobile: {
		Name:              types.ModePageSpeedMobile,
		DownloadBps:       1.6 * mbps,
		UploadBps:         750 * kbps,
		LatencyMs:         150,
		CPUSlowdownFactor: 4,
		Viewport:          Viewport{Width: 412, Height: 823, DeviceScaleFactor: 1.75, Mobile: true},
		UserAgent:         mobileUserAgent,
	},
	types.ModePageSpeedDesktop: {
		Name:              types.ModePageSpeedDesktop,
		DownloadBps:       10 * mbps,
		UploadBps:         5 * mbps,
		LatencyMs:         40,
		CPUSlowdownFactor: 1,
		Viewport:          Viewport{Width: 1350, Height: 940, DeviceScaleFactor: 1},
		UserAgent:         desktopUserAgent,
	},
}

// Lookup returns the profile for mode.
func Lookup(mode types.Mode) (Profile, error) {
	p, ok := profiles[mode]
	if !ok {
		return Profile{}, fmt.Errorf("no throttling profile for mode %q", mode)
	}
	return p, nil
}

// All returns every profile in types.Modes order.
func All() []Profile {
	out := make([]Profile, 0, len(types.Modes))
	for _, m := range types.Modes {
		out = append(out, profiles[m])
	}
	return out
}
