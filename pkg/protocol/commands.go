package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command type strings as they appear in the wire-level "type" field.
const (
	CmdRegister      = "register"
	CmdLogin         = "login"
	CmdResetPassword = "reset_password"
	CmdDeleteAccount = "delete_account"
	CmdChat          = "chat"
	CmdGetCode       = "get_code"
	CmdAddContact    = "add_contact"
	CmdRemoveContact = "remove_contact"
	CmdListContacts  = "list_contacts"
	CmdQueryOnline   = "query_online"
	CmdPing          = "ping"
)

var (
	ErrInvalidJSON    = errors.New("invalid JSON")
	ErrMissingType    = errors.New("missing command type")
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is the closed set of inbound client commands. Adding a new command
// means adding a type here, a case in DecodeCommand, and a case in the
// server's dispatch switch; the compiler flags any switch that forgets one.
type Command interface {
	CommandType() string
}

// RegisterCommand creates a new account.
type RegisterCommand struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginCommand authenticates the current connection. Re-login on an already
// authenticated connection is allowed and rebinds the session identity.
type LoginCommand struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResetPasswordCommand replaces an account password, authorized by a recovery
// code rather than a logged-in session.
type ResetPasswordCommand struct {
	Username     string `json:"username"`
	RecoveryCode string `json:"recovery_code"`
	NewPassword  string `json:"new_password"`
}

// DeleteAccountCommand removes an account, authorized by a recovery code.
type DeleteAccountCommand struct {
	Username     string `json:"username"`
	RecoveryCode string `json:"recovery_code"`
}

// ChatCommand broadcasts a message to all authenticated sessions.
type ChatCommand struct {
	Message string `json:"message"`
}

// GetCodeCommand requests the caller's current ephemeral contact code.
type GetCodeCommand struct{}

// AddContactCommand adds the owner of the given ephemeral code to the
// caller's contact list.
type AddContactCommand struct {
	Code string `json:"code"`
}

// RemoveContactCommand removes a username from the caller's contact list.
type RemoveContactCommand struct {
	Target string `json:"target"`
}

// ListContactsCommand requests the caller's contact list with presence.
type ListContactsCommand struct{}

// QueryOnlineCommand asks whether a user currently has a live session.
type QueryOnlineCommand struct {
	User string `json:"user"`
}

// PingCommand is a keepalive; valid in any session state.
type PingCommand struct{}

func (*RegisterCommand) CommandType() string      { return CmdRegister }
func (*LoginCommand) CommandType() string         { return CmdLogin }
func (*ResetPasswordCommand) CommandType() string { return CmdResetPassword }
func (*DeleteAccountCommand) CommandType() string { return CmdDeleteAccount }
func (*ChatCommand) CommandType() string          { return CmdChat }
func (*GetCodeCommand) CommandType() string       { return CmdGetCode }
func (*AddContactCommand) CommandType() string    { return CmdAddContact }
func (*RemoveContactCommand) CommandType() string { return CmdRemoveContact }
func (*ListContactsCommand) CommandType() string  { return CmdListContacts }
func (*QueryOnlineCommand) CommandType() string   { return CmdQueryOnline }
func (*PingCommand) CommandType() string          { return CmdPing }

// EncodeCommand marshals a command as one protocol line, injecting the
// wire-level "type" field. The server only decodes; this is the client half,
// used by test clients and load tooling.
func EncodeCommand(cmd Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	typeField, err := json.Marshal(cmd.CommandType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeField
	return EncodeLine(fields)
}

// DecodeCommand parses one protocol line into its typed command. Malformed
// JSON yields ErrInvalidJSON, a missing "type" field yields ErrMissingType,
// and an unrecognized type yields ErrUnknownCommand (all recoverable: the
// connection stays open and the caller reports the error to the client).
func DecodeCommand(line []byte) (Command, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, ErrInvalidJSON
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}

	var cmd Command
	switch envelope.Type {
	case CmdRegister:
		cmd = &RegisterCommand{}
	case CmdLogin:
		cmd = &LoginCommand{}
	case CmdResetPassword:
		cmd = &ResetPasswordCommand{}
	case CmdDeleteAccount:
		cmd = &DeleteAccountCommand{}
	case CmdChat:
		cmd = &ChatCommand{}
	case CmdGetCode:
		cmd = &GetCodeCommand{}
	case CmdAddContact:
		cmd = &AddContactCommand{}
	case CmdRemoveContact:
		cmd = &RemoveContactCommand{}
	case CmdListContacts:
		cmd = &ListContactsCommand{}
	case CmdQueryOnline:
		cmd = &QueryOnlineCommand{}
	case CmdPing:
		cmd = &PingCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Type)
	}

	if err := json.Unmarshal(line, cmd); err != nil {
		return nil, ErrInvalidJSON
	}
	return cmd, nil
}
