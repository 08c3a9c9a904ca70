// Package config persists the tool configuration : an ini settings file for
// the bus connection and a JSON project file carrying the transmit message
// and response rule sets.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cantroller/cantroller/pkg/can"
	"github.com/cantroller/cantroller/pkg/respond"
	"github.com/cantroller/cantroller/pkg/transmit"
	"gopkg.in/ini.v1"
)

// Settings describe how to reach the bus
type Settings struct {
	Adapter  string      `json:"adapter"`
	Channel  string      `json:"channel"`
	Bitrate  can.Bitrate `json:"bitrate"`
	LogLevel string      `json:"log_level,omitempty"`
}

// DefaultSettings returns the values used when no settings file exists
func DefaultSettings() Settings {
	return Settings{
		Adapter:  "socketcan",
		Channel:  "can0",
		Bitrate:  can.Bitrate500k,
		LogLevel: "info",
	}
}

// LoadSettings reads the ini settings file, absent keys keep their defaults
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	file, err := ini.Load(path)
	if err != nil {
		return settings, err
	}
	canSection := file.Section("can")
	settings.Adapter = canSection.Key("interface").MustString(settings.Adapter)
	settings.Channel = canSection.Key("channel").MustString(settings.Channel)
	bitrate := can.Bitrate(canSection.Key("bitrate").MustUint(uint(settings.Bitrate)))
	if !bitrate.Valid() {
		return settings, fmt.Errorf("config: %w : %d", can.ErrBitrateUnsupported, bitrate)
	}
	settings.Bitrate = bitrate
	settings.LogLevel = file.Section("log").Key("level").MustString(settings.LogLevel)
	return settings, nil
}

// SaveSettings writes the ini settings file
func SaveSettings(path string, settings Settings) error {
	file := ini.Empty()
	canSection := file.Section("can")
	canSection.Key("interface").SetValue(settings.Adapter)
	canSection.Key("channel").SetValue(settings.Channel)
	canSection.Key("bitrate").SetValue(fmt.Sprintf("%d", settings.Bitrate))
	file.Section("log").Key("level").SetValue(settings.LogLevel)
	return file.SaveTo(path)
}

// Project is the serializable unit of work : connection settings plus the
// two owned sets, fields exactly as their owning packages define them
type Project struct {
	Settings         Settings           `json:"settings"`
	TransmitMessages []transmit.Message `json:"transmit_messages"`
	ResponseRules    []respond.Rule     `json:"response_rules"`
}

// LoadProject reads and decodes a JSON project file
func LoadProject(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	project := &Project{}
	if err := json.Unmarshal(raw, project); err != nil {
		return nil, fmt.Errorf("config: invalid project file : %w", err)
	}
	return project, nil
}

// SaveProject encodes and writes a JSON project file
func SaveProject(path string, project *Project) error {
	raw, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// Apply replaces the scheduler and rule engine sets with the project's.
// Both sets are validated up front so a bad project never leaves one set
// swapped and the other untouched.
func (p *Project) Apply(scheduler *transmit.Scheduler, engine *respond.Engine) error {
	for i := range p.TransmitMessages {
		if err := p.TransmitMessages[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.ResponseRules {
		if err := p.ResponseRules[i].Validate(); err != nil {
			return err
		}
	}
	if err := scheduler.Replace(p.TransmitMessages); err != nil {
		return err
	}
	return engine.Replace(p.ResponseRules)
}

// Capture snapshots the current sets into the project
func (p *Project) Capture(scheduler *transmit.Scheduler, engine *respond.Engine) {
	p.TransmitMessages = scheduler.Snapshot()
	p.ResponseRules = engine.Snapshot()
}
