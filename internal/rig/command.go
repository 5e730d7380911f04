package rig

import "encoding/json"

// CommandKind enumerates the CommandRequest tagged variants.
type CommandKind string

const (
	CmdSetFreq           CommandKind = "set_freq"
	CmdSetMode           CommandKind = "set_mode"
	CmdSetPtt            CommandKind = "set_ptt"
	CmdPowerOn           CommandKind = "power_on"
	CmdPowerOff          CommandKind = "power_off"
	CmdToggleVfo         CommandKind = "toggle_vfo"
	CmdSelectRig         CommandKind = "select_rig"
	CmdLock              CommandKind = "lock"
	CmdUnlock            CommandKind = "unlock"
	CmdGetTxLimit        CommandKind = "get_tx_limit"
	CmdSetTxLimit        CommandKind = "set_tx_limit"
	CmdGetSnapshot       CommandKind = "get_snapshot"
	CmdGetRigs           CommandKind = "get_rigs"
	CmdSetBandwidth      CommandKind = "set_bandwidth"
	CmdSetFirTaps        CommandKind = "set_fir_taps"
	CmdSetCwAuto         CommandKind = "set_cw_auto"
	CmdSetCwWpm          CommandKind = "set_cw_wpm"
	CmdSetCwTone         CommandKind = "set_cw_tone"
	CmdToggleFt8Decode   CommandKind = "toggle_ft8_decode"
	CmdToggleWsprDecode  CommandKind = "toggle_wspr_decode"
	CmdClearAprsHistory  CommandKind = "clear_aprs_history"
	CmdClearFt8History   CommandKind = "clear_ft8_history"
	CmdClearWsprHistory  CommandKind = "clear_wspr_history"
	CmdClearCwHistory    CommandKind = "clear_cw_history"
)

// Command is a tagged CommandRequest. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	FreqHz    Frequency
	Mode      Mode
	PttOn     bool
	RigID     string
	TxLimit   float64
	Bandwidth int
	FirTaps   int
	CwAuto    bool
	CwWpm     int
	CwToneHz  int
}

// CommandOutcomeKind tags CommandOutcome.
type CommandOutcomeKind string

const (
	OutcomeSuccess CommandOutcomeKind = "success"
	OutcomeFailure CommandOutcomeKind = "failure"
)

// CommandOutcome is the result of dispatching a Command.
type CommandOutcome struct {
	Kind    CommandOutcomeKind
	Payload json.RawMessage
	Kind_   ErrorKind // error kind, set only when Kind == OutcomeFailure
	Message string
}

func Success(payload json.RawMessage) CommandOutcome {
	return CommandOutcome{Kind: OutcomeSuccess, Payload: payload}
}

func Failure(kind ErrorKind, message string) CommandOutcome {
	return CommandOutcome{Kind: OutcomeFailure, Kind_: kind, Message: message}
}

func FailureFrom(err *RigError) CommandOutcome {
	return Failure(err.Kind, err.Message)
}

func (o CommandOutcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }
