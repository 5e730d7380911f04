package rig

// RigListEntry names a configured rig for the server identity block of a snapshot.
type RigListEntry struct {
	RigID       string `json:"rig_id"`
	DisplayName string `json:"display_name"`
}

// ServerIdentity is the server-scoped metadata carried on every snapshot.
type ServerIdentity struct {
	Version    string   `json:"version"`
	BuildDate  string   `json:"build_date"`
	Callsign   string   `json:"callsign"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	GridSquare string   `json:"grid_square,omitempty"`
	UTM        string   `json:"utm,omitempty"`
}

// FilterState surfaces the SDR channel's current bandwidth/taps, when applicable.
type FilterState struct {
	BandwidthHz int `json:"bandwidth_hz"`
	FirTaps     int `json:"fir_taps"`
}

// DecoderFlags surfaces which decode features are enabled for this rig.
type DecoderFlags struct {
	Ft8Enabled  bool `json:"ft8_enabled"`
	WsprEnabled bool `json:"wspr_enabled"`
	CwAuto      bool `json:"cw_auto"`
	CwWpm       int  `json:"cw_wpm,omitempty"`
	CwToneHz    int  `json:"cw_tone_hz,omitempty"`
}

// RigSnapshot is the complete read-only view of a rig at an instant, broadcast
// wholesale to every listener on every change.
type RigSnapshot struct {
	Server ServerIdentity `json:"server"`

	ActiveRigID string         `json:"active_rig_id"`
	Rigs        []RigListEntry `json:"rigs"`
	ClientCount int            `json:"client_count"`

	RigID string `json:"rig_id"`

	Info   *RigInfo   `json:"info,omitempty"`
	Status *RigStatus `json:"status,omitempty"`
	State  MachineStateKind `json:"state"`

	Band        string       `json:"band"`
	Enabled     bool         `json:"enabled"`
	Initialized bool         `json:"initialized"`
	Filter      *FilterState `json:"filter,omitempty"`
	Decoders    DecoderFlags `json:"decoders"`

	PskReporterEnabled bool `json:"pskreporter_enabled"`

	PluginVersions map[string]string `json:"plugin_versions,omitempty"`
}
