// Package hdhr serves the HDHomeRun discovery and lineup documents that let
// PVR software treat the gateway as a network tuner.
package hdhr

import (
	"strings"

	"macreplay/work/config"
	"macreplay/work/m3u"
	"macreplay/work/types"
)

const (
	firmwareName    = "MacReplay"
	firmwareVersion = "666"
	manufacturer    = "Evilvirus"
	modelNumber     = "666"
)

// Discover is the /discover.json document.
type Discover struct {
	BaseURL         string `json:"BaseURL"`
	DeviceAuth      string `json:"DeviceAuth"`
	DeviceID        string `json:"DeviceID"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	FriendlyName    string `json:"FriendlyName"`
	LineupURL       string `json:"LineupURL"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	TunerCount      int    `json:"TunerCount"`
}

// LineupStatus is the /lineup_status.json document.
type LineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// LineupEntry is one channel of /lineup.json.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// NewDiscover builds the discovery document for the device described by s.
func NewDiscover(baseURL string, s config.Settings) Discover {
	base := strings.TrimRight(baseURL, "/")
	return Discover{
		BaseURL:         base,
		DeviceAuth:      s.HDHRName,
		DeviceID:        s.HDHRID,
		FirmwareName:    firmwareName,
		FirmwareVersion: firmwareVersion,
		FriendlyName:    s.HDHRName,
		LineupURL:       base + "/lineup.json",
		Manufacturer:    manufacturer,
		ModelNumber:     modelNumber,
		TunerCount:      s.HDHRTuners,
	}
}

// Status reports a tuner that never scans.
func Status() LineupStatus {
	return LineupStatus{Source: "Cable", SourceList: []string{"Cable"}}
}

// NewLineupEntry maps a resolved channel to its lineup entry.
func NewLineupEntry(baseURL string, ch types.ResolvedChannel) LineupEntry {
	return LineupEntry{
		GuideNumber: ch.Number,
		GuideName:   ch.Name,
		URL:         m3u.PlayURL(baseURL, ch.PortalID, ch.ChannelID),
	}
}
