// ABOUTME: Envelope kinds and body schemas for the bridge and multi-account links
// ABOUTME: Both ends (warden and collaborator services) share these contracts

package wire

// Envelope kinds. Bridge connections use the message/command family;
// the multi-account link uses the hello/account_update/send_as family.
// Ping and pong are shared keepalives.
const (
	KindHello       = "hello"
	KindHelloOK     = "hello_ok"
	KindError       = "error"
	KindPing        = "ping"
	KindPong        = "pong"
	KindMessage     = "message"
	KindCommand     = "command"
	KindCmdResponse = "cmd_response"
	KindAccount     = "account_update"
	KindSendAs      = "send_as"
)

// Hello opens either link. Token is required on the multi-account link and
// ignored on the bridge, whose peers are identified by their TCP tuple.
type Hello struct {
	Name  string `cbor:"name"`
	Token string `cbor:"token,omitempty"`
}

// HelloOK acknowledges a hello on the multi-account link.
type HelloOK struct {
	ServerName string `cbor:"server_name"`
}

// ErrorBody reports a protocol-level failure before the peer closes.
type ErrorBody struct {
	Message string `cbor:"message"`
}

// Message is a customized in-game message relayed over the bridge.
// Format contains {N} placeholders substituted from Args.
type Message struct {
	Format    string   `cbor:"format"`
	Args      []string `cbor:"args,omitempty"`
	Recipient string   `cbor:"recipient,omitempty"`
}

// Command is a warden-issued instruction to the game, answered by a
// CmdResponse carrying the same correlation id.
type Command struct {
	Text string `cbor:"text"`
}

// CmdResponse answers a Command.
type CmdResponse struct {
	Text string `cbor:"text"`
}

// AccountUpdate is a multi-account state push. Resources carries shared
// counters such as the global exp multiplier.
type AccountUpdate struct {
	Account   string             `cbor:"account"`
	Online    bool               `cbor:"online"`
	Synced    bool               `cbor:"synced"`
	Resources map[string]float64 `cbor:"resources,omitempty"`
}

// GlobalMultiplierKey is the Resources key carrying the service-wide exp
// multiplier used for desync detection.
const GlobalMultiplierKey = "global_multiplier"

// SendAs asks the multi-account service to send text as the named account.
type SendAs struct {
	Account string `cbor:"account"`
	Text    string `cbor:"text"`
}
