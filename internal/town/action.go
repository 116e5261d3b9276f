// ABOUTME: Action union emitted by correlators and consumed once by executors
// ABOUTME: Each action type is routed to exactly one executor by the dispatcher

package town

// Action is a side effect decided by a town's correlator.
type Action interface {
	isAction()
}

// SendChatMessage posts text to the town's chat channel.
type SendChatMessage struct {
	Text string
}

// RestartProcess asks the supervisor to restart the town's processes.
// Subject to the supervisor's single-flight guard.
type RestartProcess struct {
	Reason RestartReason
}

// SuspendMonitoring pauses the town's poller, typically after the restart
// retry budget is exhausted.
type SuspendMonitoring struct {
	Reason string
}

// ForwardToMultiAccount asks the multi-account service to send text as a
// secondary account.
type ForwardToMultiAccount struct {
	Account string
	Text    string
}

// FulfillRedeem marks a channel-point redemption as completed.
type FulfillRedeem struct {
	ID string
}

func (SendChatMessage) isAction()       {}
func (RestartProcess) isAction()        {}
func (SuspendMonitoring) isAction()     {}
func (ForwardToMultiAccount) isAction() {}
func (FulfillRedeem) isAction()         {}
