package protocol

// Command is the `cmd` field of a command envelope.
type Command string

const (
	CmdSendSymvers   Command = "send_symvers"    // agent uploads the dependency file
	CmdRecvModule    Command = "recv_module"     // controller pushes `count` modules
	CmdRevokeModule  Command = "revoke_module"   // agent unloads `name`
	CmdRunReport     Command = "run_report"      // status report
	CmdRunFullReport Command = "run_full_report" // status report plus host identity
	CmdChallenge     Command = "challenge"       // forward {id, iv, msg} to the status interface

	// CmdUnknown is what Kind returns for anything not listed above.
	CmdUnknown Command = ""
)

// Kind maps a raw cmd value onto the known commands.
func (c Command) Kind() Command {
	switch c {
	case CmdSendSymvers, CmdRecvModule, CmdRevokeModule,
		CmdRunReport, CmdRunFullReport, CmdChallenge:
		return c
	default:
		return CmdUnknown
	}
}

func (c Command) String() string {
	if c == CmdUnknown {
		return "unknown"
	}
	return string(c)
}

// Literal acks exchanged as raw ASCII.
const (
	AckClearToSend = "Clear to send"
	AckSuccess     = "success"
)

// Local status interface payloads.
const (
	StatusReportRequest  = "CUST_REPORT"
	StatusReportFailed   = "Failed to create cust report"
	StatusEmptyReport    = "{};"
	StatusTerminator     = ";"
	challengeRequestTmpl = "CHALLENGE %s %s %s END"
)

// DefaultSymversName is the well known dependency file name.
const DefaultSymversName = "Module.symvers"
