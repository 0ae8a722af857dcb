package iso8583

// MTI constants for the message classes this gateway exchanges with FISC:
// authorization/financial requests and responses, network management
// requests and responses, and reversal/advice traffic.
const (
	MTIAuthorizationRequest       = "0100"
	MTIAuthorizationResponse      = "0110"
	MTIFinancialRequest           = "0200"
	MTIFinancialResponse          = "0210"
	MTIReversalRequest            = "0400"
	MTIReversalResponse           = "0410"
	MTIAdviceRequest              = "0420"
	MTIAdviceResponse             = "0430"
	MTINetworkManagementRequest   = "0800"
	MTINetworkManagementResponse  = "0810"
)

// Field 70 network management function codes.
const (
	NetMgmtSignOn  = "001"
	NetMgmtSignOff = "002"
	NetMgmtEcho    = "301"
	NetMgmtCutover = "201"
)

// NewSignOnRequest builds a 0800 sign-on message with the next trace number.
func NewSignOnRequest(stan string) *Message {
	msg := NewMessage(MTINetworkManagementRequest)
	msg.SetField(11, stan)
	msg.SetField(70, NetMgmtSignOn)
	return msg
}

// NewSignOffRequest builds a 0800 sign-off message with the next trace number.
func NewSignOffRequest(stan string) *Message {
	msg := NewMessage(MTINetworkManagementRequest)
	msg.SetField(11, stan)
	msg.SetField(70, NetMgmtSignOff)
	return msg
}

// NewEchoRequest builds a 0800 network management echo (heartbeat) message.
func NewEchoRequest(stan string) *Message {
	msg := NewMessage(MTINetworkManagementRequest)
	msg.SetField(11, stan)
	msg.SetField(70, NetMgmtEcho)
	return msg
}

// IsNetworkManagement reports whether mti belongs to the 08xx class.
func IsNetworkManagement(mti string) bool {
	return mti == MTINetworkManagementRequest || mti == MTINetworkManagementResponse
}

// ResponseMTI returns the paired response MTI for a request MTI, or "" if
// mti is not a request class this gateway recognizes.
func ResponseMTI(mti string) string {
	switch mti {
	case MTIAuthorizationRequest:
		return MTIAuthorizationResponse
	case MTIFinancialRequest:
		return MTIFinancialResponse
	case MTIReversalRequest:
		return MTIReversalResponse
	case MTIAdviceRequest:
		return MTIAdviceResponse
	case MTINetworkManagementRequest:
		return MTINetworkManagementResponse
	default:
		return ""
	}
}
