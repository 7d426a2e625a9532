package devices

import (
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
)

// FacingMode classifies a camera as self-facing or world-facing.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the logical other camera. An unknown mode flips to
// environment, matching what a phone user expects when toggling away from the
// default selfie camera.
func (m FacingMode) Opposite() FacingMode {
	if m == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// VideoDevice is one enumerated camera.
type VideoDevice struct {
	DeviceID string
	Label    string
	Facing   FacingMode // empty when it cannot be inferred
}

// Enumerator lists capture devices. The default asks the registered
// mediadevices drivers.
type Enumerator func() []mediadevices.MediaDeviceInfo

// VideoManager enumerates cameras and remembers which one, and which facing
// mode, the user last picked. Selections survive restarts through the Store.
type VideoManager struct {
	store     Store
	log       *zap.Logger
	enumerate Enumerator

	mu       sync.RWMutex
	devices  []VideoDevice
	selected string
	facing   FacingMode
}

func NewVideoManager(store Store, log *zap.Logger) *VideoManager {
	m := &VideoManager{
		store:     store,
		log:       log.Named("videodev"),
		enumerate: mediadevices.EnumerateDevices,
		facing:    FacingUser,
	}
	if id, ok := store.Get(KeyVideoDeviceID); ok {
		m.selected = id
	}
	if mode, ok := store.Get(KeyVideoFacingMode); ok {
		m.facing = FacingMode(mode)
	}
	return m
}

// SetEnumerator overrides how cameras are discovered.
func (m *VideoManager) SetEnumerator(fn Enumerator) {
	m.mu.Lock()
	m.enumerate = fn
	m.mu.Unlock()
}

// Refresh re-enumerates the available cameras. The first device becomes the
// selection when nothing was selected before.
func (m *VideoManager) Refresh() []VideoDevice {
	m.mu.RLock()
	enumerate := m.enumerate
	m.mu.RUnlock()
	infos := enumerate()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = m.devices[:0]
	for _, info := range infos {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		m.devices = append(m.devices, VideoDevice{
			DeviceID: info.DeviceID,
			Label:    info.Label,
			Facing:   inferFacing(info.Label),
		})
	}
	m.log.Debug("enumerated cameras", zap.Int("count", len(m.devices)))

	if m.selected == "" && len(m.devices) > 0 {
		m.selected = m.devices[0].DeviceID
		m.persistLocked()
	}
	return append([]VideoDevice(nil), m.devices...)
}

// Devices returns the last enumeration snapshot.
func (m *VideoManager) Devices() []VideoDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]VideoDevice(nil), m.devices...)
}

// Select records deviceID as the preferred camera.
func (m *VideoManager) Select(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == deviceID {
		return
	}
	m.selected = deviceID
	m.persistLocked()
}

func (m *VideoManager) SelectedDeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}

func (m *VideoManager) FacingMode() FacingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.facing
}

func (m *VideoManager) SetFacingMode(mode FacingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.facing == mode {
		return
	}
	m.facing = mode
	m.persistLocked()
}

// ByFacingMode returns the first camera whose inferred facing matches mode.
func (m *VideoManager) ByFacingMode(mode FacingMode) (VideoDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.Facing == mode {
			return d, true
		}
	}
	return VideoDevice{}, false
}

// Next returns the camera after the current selection, cycling. Empty when
// there is at most one camera to cycle through.
func (m *VideoManager) Next() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.devices) <= 1 {
		return ""
	}
	current := 0
	for i, d := range m.devices {
		if d.DeviceID == m.selected {
			current = i
			break
		}
	}
	return m.devices[(current+1)%len(m.devices)].DeviceID
}

func (m *VideoManager) HasMultiple() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices) > 1
}

func (m *VideoManager) persistLocked() {
	if err := m.store.Set(KeyVideoDeviceID, m.selected); err != nil {
		m.log.Warn("failed to persist camera selection", zap.Error(err))
	}
	if err := m.store.Set(KeyVideoFacingMode, string(m.facing)); err != nil {
		m.log.Warn("failed to persist facing mode", zap.Error(err))
	}
}

// inferFacing guesses a camera's facing mode from its label. Platforms rarely
// report facing directly, so label heuristics are the portable option.
func inferFacing(label string) FacingMode {
	l := strings.ToLower(label)
	for _, tok := range []string{"front", "user", "facetime", "face", "selfie"} {
		if strings.Contains(l, tok) {
			return FacingUser
		}
	}
	for _, tok := range []string{"back", "rear", "environment", "main"} {
		if strings.Contains(l, tok) {
			return FacingEnvironment
		}
	}
	return ""
}
