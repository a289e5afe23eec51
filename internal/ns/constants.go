package ns

import "time"

const (
	// ProtocolVersion is the notify signal version emitted by this implementation.
	// Version 2 introduced the producer interface (remote Dismiss).
	ProtocolVersion int32 = 2

	// ProducerVersion is returned by GetVersion on the producer object.
	ProducerVersion int16 = 1
	// DismisserVersion is the version of the dismisser interface.
	DismisserVersion int16 = 1

	// ProducerSessionPort is the session port consumers join to call Dismiss.
	ProducerSessionPort uint16 = 1010
)

// Interface names.
const (
	NotificationInterface = "org.alljoyn.Notification"
	SuperAgentInterface   = "org.alljoyn.Notification.Superagent"
	ProducerInterface     = "org.alljoyn.Notification.Producer"
	DismisserInterface    = "org.alljoyn.Notification.Dismisser"
)

// Signal and method members.
const (
	NotifySignal   = "notify"
	DismissSignal  = "Dismiss"
	DismissMethod  = "Dismiss"
	VersionMethod  = "GetVersion"
	AnnounceSignal = "Announce"
)

// Object paths.
const (
	ProducerPath         = "/notificationProducer"
	DismisserPathPrefix  = "/notificationDismisser"
	ProducerReceiverPath = "/producerReceiver"
	SuperAgentRecvPath   = "/superagentReceiver"
)

// TTL bounds accepted by Sender.Send.
const (
	MinTTL = 30 * time.Second
	MaxTTL = 43200 * time.Second

	// DismissTTL is how long a broadcast Dismiss stays available to late consumers.
	DismissTTL = MaxTTL
)

// AppIDLength is the wire length of an application id.
const AppIDLength = 16
