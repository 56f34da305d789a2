package protocol

// Event type strings as they appear in the wire-level "type" field.
const (
	EventRegisterOK      = "register_ok"
	EventLoginOK         = "login_ok"
	EventResetOK         = "reset_ok"
	EventDeleteOK        = "delete_ok"
	EventChat            = "chat"
	EventYourCode        = "your_code"
	EventAddContactOK    = "add_contact_ok"
	EventRemoveContactOK = "remove_contact_ok"
	EventListContactsOK  = "list_contacts_ok"
	EventOnlineStatus    = "online_status"
	EventPong            = "pong"
	EventError           = "error"
)

// RegisterOKEvent confirms registration and carries the one-time delivery of
// the account's recovery codes. The codes are never sent again.
type RegisterOKEvent struct {
	Type          string   `json:"type"`
	RecoveryCodes []string `json:"recovery_codes"`
}

type LoginOKEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ResetOKEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type DeleteOKEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChatEvent is the broadcast form of a chat message. The sender receives
// their own message back like everyone else; clients must not locally echo.
type ChatEvent struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// YourCodeEvent carries the caller's current ephemeral contact code and the
// remaining TTL in seconds.
type YourCodeEvent struct {
	Type string `json:"type"`
	Code string `json:"code"`
	TTL  int    `json:"ttl"`
}

type AddContactOKEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Contact string `json:"contact"`
}

type RemoveContactOKEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Contact string `json:"contact"`
}

// ContactStatus pairs a contact's username with their current presence.
type ContactStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type ListContactsOKEvent struct {
	Type     string          `json:"type"`
	Contacts []ContactStatus `json:"contacts"`
}

type OnlineStatusEvent struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Online bool   `json:"online"`
}

type PongEvent struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorEvent builds the standard error response.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

// NewPongEvent builds the keepalive response.
func NewPongEvent() PongEvent {
	return PongEvent{Type: EventPong}
}
