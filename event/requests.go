package event

// IncomingKeyRequestState tracks an incoming room-key request until a
// terminal decision.
type IncomingKeyRequestState int

const (
	// IncomingPending means the request awaits a share/ignore decision.
	IncomingPending IncomingKeyRequestState = iota
	// IncomingShared means the keys were sent to the requester.
	IncomingShared
	// IncomingIgnored means the request was declined.
	IncomingIgnored
)

// IncomingRoomKeyRequest is a key request received from another device,
// persisted until it reaches a terminal state.
type IncomingRoomKeyRequest struct {
	RequestID string             `json:"request_id"`
	UserID    string             `json:"user_id"`
	DeviceID  string             `json:"device_id"`
	Body      RoomKeyRequestBody `json:"body"`
	State     IncomingKeyRequestState `json:"state"`
}

// OutgoingKeyRequestState is the lifecycle state of an outgoing room-key
// request.
type OutgoingKeyRequestState int

const (
	// OutgoingUnsent means the request has not been transmitted yet.
	OutgoingUnsent OutgoingKeyRequestState = iota
	// OutgoingSent means the request was transmitted and may be answered.
	OutgoingSent
	// OutgoingCancellationPending means a cancellation must be transmitted.
	OutgoingCancellationPending
	// OutgoingCancellationPendingAndWillResend means a cancellation must be
	// transmitted and the request re-issued with a fresh ID afterwards.
	OutgoingCancellationPendingAndWillResend
	// OutgoingCancelled is terminal.
	OutgoingCancelled
)

// RequestTarget is one recipient device of an outgoing request. A DeviceID
// of "*" addresses every device of the user.
type RequestTarget struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// OutgoingRoomKeyRequest is a room-key request this device has issued,
// deduplicated by body fingerprint.
type OutgoingRoomKeyRequest struct {
	RequestID  string                  `json:"request_id"`
	Body       RoomKeyRequestBody      `json:"body"`
	Recipients []RequestTarget         `json:"recipients"`
	State      OutgoingKeyRequestState `json:"state"`
	// CancellationID holds the original request ID while a cancel-and-resend
	// is in flight under a fresh RequestID.
	CancellationID string `json:"cancellation_id,omitempty"`
}
