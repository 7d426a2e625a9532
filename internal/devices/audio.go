package devices

import (
	"sync"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"
)

// AudioDevice is one enumerated microphone.
type AudioDevice struct {
	DeviceID string
	Label    string
}

// AudioManager enumerates microphones and carries the capability preferences
// applied to every audio acquisition. The selected device persists; the
// capability flags default to on and live for the process only.
type AudioManager struct {
	store     Store
	log       *zap.Logger
	enumerate Enumerator

	mu               sync.RWMutex
	devices          []AudioDevice
	selected         string
	echoCancellation bool
	noiseSuppression bool
	autoGainControl  bool
}

func NewAudioManager(store Store, log *zap.Logger) *AudioManager {
	m := &AudioManager{
		store:            store,
		log:              log.Named("audiodev"),
		enumerate:        mediadevices.EnumerateDevices,
		echoCancellation: true,
		noiseSuppression: true,
		autoGainControl:  true,
	}
	if id, ok := store.Get(KeyAudioDeviceID); ok {
		m.selected = id
	}
	return m
}

// SetEnumerator overrides how microphones are discovered.
func (m *AudioManager) SetEnumerator(fn Enumerator) {
	m.mu.Lock()
	m.enumerate = fn
	m.mu.Unlock()
}

// Refresh re-enumerates the available microphones.
func (m *AudioManager) Refresh() []AudioDevice {
	m.mu.RLock()
	enumerate := m.enumerate
	m.mu.RUnlock()
	infos := enumerate()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = m.devices[:0]
	for _, info := range infos {
		if info.Kind != mediadevices.AudioInput {
			continue
		}
		m.devices = append(m.devices, AudioDevice{DeviceID: info.DeviceID, Label: info.Label})
	}
	m.log.Debug("enumerated microphones", zap.Int("count", len(m.devices)))

	if m.selected == "" && len(m.devices) > 0 {
		m.selected = m.devices[0].DeviceID
		m.persistLocked()
	}
	return append([]AudioDevice(nil), m.devices...)
}

func (m *AudioManager) Devices() []AudioDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AudioDevice(nil), m.devices...)
}

func (m *AudioManager) Select(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == deviceID {
		return
	}
	m.selected = deviceID
	m.persistLocked()
}

func (m *AudioManager) SelectedDeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}

func (m *AudioManager) EchoCancellation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.echoCancellation
}

func (m *AudioManager) SetEchoCancellation(on bool) {
	m.mu.Lock()
	m.echoCancellation = on
	m.mu.Unlock()
}

func (m *AudioManager) NoiseSuppression() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.noiseSuppression
}

func (m *AudioManager) SetNoiseSuppression(on bool) {
	m.mu.Lock()
	m.noiseSuppression = on
	m.mu.Unlock()
}

func (m *AudioManager) AutoGainControl() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoGainControl
}

func (m *AudioManager) SetAutoGainControl(on bool) {
	m.mu.Lock()
	m.autoGainControl = on
	m.mu.Unlock()
}

func (m *AudioManager) persistLocked() {
	if err := m.store.Set(KeyAudioDeviceID, m.selected); err != nil {
		m.log.Warn("failed to persist microphone selection", zap.Error(err))
	}
}
