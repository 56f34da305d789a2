package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/store"
)

// handleCommand dispatches a decoded command to its handler. The switch is
// exhaustive over the closed command set; a new command type that isn't
// handled here falls through to the default case and shows up immediately
// in tests.
//
// Handlers return an error only for transport failures on this connection;
// every recoverable condition is reported in-band as an error event.
func (s *Server) handleCommand(sess *Session, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case *protocol.RegisterCommand:
		return s.handleRegister(sess, c)
	case *protocol.LoginCommand:
		return s.handleLogin(sess, c)
	case *protocol.ResetPasswordCommand:
		return s.handleResetPassword(sess, c)
	case *protocol.DeleteAccountCommand:
		return s.handleDeleteAccount(sess, c)
	case *protocol.ChatCommand:
		return s.handleChat(sess, c)
	case *protocol.GetCodeCommand:
		return s.handleGetCode(sess, c)
	case *protocol.AddContactCommand:
		return s.handleAddContact(sess, c)
	case *protocol.RemoveContactCommand:
		return s.handleRemoveContact(sess, c)
	case *protocol.ListContactsCommand:
		return s.handleListContacts(sess, c)
	case *protocol.QueryOnlineCommand:
		return s.handleQueryOnline(sess, c)
	case *protocol.PingCommand:
		return s.handlePing(sess, c)
	default:
		return s.sendEvent(sess, protocol.NewErrorEvent("Unknown command"))
	}
}

// storeErrorMessage maps credential store errors to their wire messages.
// Anything unrecognized (a persistence failure, typically) is surfaced as a
// generic error after logging; it is never silently swallowed.
func (s *Server) storeErrorMessage(sess *Session, op string, err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return "Username and password required."
	case errors.Is(err, store.ErrUserExists):
		return "User exists."
	case errors.Is(err, store.ErrNoSuchUser):
		return "User does not exist."
	case errors.Is(err, store.ErrBadPassword):
		return "Incorrect password."
	case errors.Is(err, store.ErrInvalidCode):
		return "Invalid recovery code."
	case errors.Is(err, store.ErrNoSuchTarget):
		return "Target user does not exist."
	case errors.Is(err, store.ErrContactExists):
		return "Already in contacts."
	case errors.Is(err, store.ErrNoSuchContact):
		return "Contact not found."
	default:
		errorLog.Printf("Session %d: %s failed: %v", sess.ID, op, err)
		return "Internal server error."
	}
}

// handleRegister handles account creation. Valid in any session state and
// does not log the connection in.
func (s *Server) handleRegister(sess *Session, cmd *protocol.RegisterCommand) error {
	codes, err := s.users.Register(cmd.Username, cmd.Password)
	if err != nil {
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "register", err)))
	}
	return s.sendEvent(sess, protocol.RegisterOKEvent{
		Type:          protocol.EventRegisterOK,
		RecoveryCodes: codes,
	})
}

// handleLogin authenticates this connection. Re-login is allowed and
// rebinds the session identity.
func (s *Server) handleLogin(sess *Session, cmd *protocol.LoginCommand) error {
	if err := s.users.Login(cmd.Username, cmd.Password); err != nil {
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "login", err)))
	}

	username := strings.TrimSpace(cmd.Username)
	if err := s.sessions.Authenticate(sess.ID, username); err != nil {
		errorLog.Printf("Session %d: authenticate failed: %v", sess.ID, err)
		return s.sendEvent(sess, protocol.NewErrorEvent("Internal server error."))
	}

	debugLog.Printf("Session %d authenticated as %q", sess.ID, username)
	return s.sendEvent(sess, protocol.LoginOKEvent{
		Type:    protocol.EventLoginOK,
		Message: "Login successful.",
	})
}

// handleResetPassword resets a password authorized by a recovery code; no
// login required. The code is consumed on success.
func (s *Server) handleResetPassword(sess *Session, cmd *protocol.ResetPasswordCommand) error {
	err := s.users.ResetPassword(cmd.Username, cmd.RecoveryCode, cmd.NewPassword)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return s.sendEvent(sess, protocol.NewErrorEvent("New password required."))
		}
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "reset_password", err)))
	}
	return s.sendEvent(sess, protocol.ResetOKEvent{
		Type:    protocol.EventResetOK,
		Message: "Password reset successfully.",
	})
}

// handleDeleteAccount deletes an account authorized by a recovery code; no
// login required.
func (s *Server) handleDeleteAccount(sess *Session, cmd *protocol.DeleteAccountCommand) error {
	if err := s.users.DeleteAccount(cmd.Username, cmd.RecoveryCode); err != nil {
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "delete_account", err)))
	}
	return s.sendEvent(sess, protocol.DeleteOKEvent{
		Type:    protocol.EventDeleteOK,
		Message: "Account deleted successfully.",
	})
}

// handleChat broadcasts a message to every authenticated session, sender
// included; clients never locally echo, so every viewer renders the same
// authoritative sequence.
func (s *Server) handleChat(sess *Session, cmd *protocol.ChatCommand) error {
	username := sess.Username()
	if username == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	message := strings.TrimSpace(cmd.Message)
	if message == "" {
		// Empty messages are dropped without a response
		return nil
	}
	if s.config.MaxMessageLength > 0 && len(message) > s.config.MaxMessageLength {
		return s.sendEvent(sess, protocol.NewErrorEvent(
			fmt.Sprintf("Message too long (max %d bytes).", s.config.MaxMessageLength)))
	}

	return s.broadcastChat(username, message)
}

// broadcastChat records the message in the history log and fans it out to
// all authenticated sessions. A history failure is logged and does not block
// delivery; a write failure to one recipient tears down only that session.
func (s *Server) broadcastChat(from, message string) error {
	data, err := protocol.EncodeLine(protocol.ChatEvent{
		Type:    protocol.EventChat,
		From:    from,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chat event: %w", err)
	}

	if err := s.history.Append(from, message); err != nil {
		errorLog.Printf("Failed to record chat history: %v", err)
	}

	delivered := s.sessions.Broadcast(data)
	if s.metrics != nil {
		s.metrics.RecordBroadcast(delivered)
	}
	return nil
}

// handleGetCode returns the caller's current ephemeral contact code.
func (s *Server) handleGetCode(sess *Session, _ *protocol.GetCodeCommand) error {
	username := sess.Username()
	if username == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	code, ttl, err := s.codes.IssueOrGet(username)
	if err != nil {
		errorLog.Printf("Session %d: code issue failed: %v", sess.ID, err)
		return s.sendEvent(sess, protocol.NewErrorEvent("Internal server error."))
	}

	return s.sendEvent(sess, protocol.YourCodeEvent{
		Type: protocol.EventYourCode,
		Code: code,
		TTL:  ttl,
	})
}

// handleAddContact resolves an ephemeral code to its owner and adds them to
// the caller's contacts. The self-add check runs before any mutation.
func (s *Server) handleAddContact(sess *Session, cmd *protocol.AddContactCommand) error {
	username := sess.Username()
	if username == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	code := strings.TrimSpace(cmd.Code)
	if !validCodeFormat(code) {
		return s.sendEvent(sess, protocol.NewErrorEvent("Invalid code format."))
	}

	target, ok := s.codes.Resolve(code)
	if !ok {
		return s.sendEvent(sess, protocol.NewErrorEvent("Code invalid or expired."))
	}
	if target == username {
		return s.sendEvent(sess, protocol.NewErrorEvent("Cannot add yourself."))
	}

	if err := s.users.AddContact(username, target); err != nil {
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "add_contact", err)))
	}

	return s.sendEvent(sess, protocol.AddContactOKEvent{
		Type:    protocol.EventAddContactOK,
		Message: fmt.Sprintf("%s added to contacts.", target),
		Contact: target,
	})
}

// handleRemoveContact removes a username from the caller's contacts.
func (s *Server) handleRemoveContact(sess *Session, cmd *protocol.RemoveContactCommand) error {
	username := sess.Username()
	if username == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	target := strings.TrimSpace(cmd.Target)
	if err := s.users.RemoveContact(username, target); err != nil {
		return s.sendEvent(sess, protocol.NewErrorEvent(s.storeErrorMessage(sess, "remove_contact", err)))
	}

	return s.sendEvent(sess, protocol.RemoveContactOKEvent{
		Type:    protocol.EventRemoveContactOK,
		Message: fmt.Sprintf("%s removed from contacts.", target),
		Contact: target,
	})
}

// handleListContacts returns the caller's contacts with presence, in
// lexicographic order.
func (s *Server) handleListContacts(sess *Session, _ *protocol.ListContactsCommand) error {
	username := sess.Username()
	if username == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	contacts, err := s.users.ListContacts(username)
	if err != nil {
		errorLog.Printf("Session %d: list_contacts failed: %v", sess.ID, err)
		return s.sendEvent(sess, protocol.NewErrorEvent("Failed to list contacts."))
	}

	online := s.sessions.OnlineUsernames()
	statuses := make([]protocol.ContactStatus, 0, len(contacts))
	for _, contact := range contacts {
		statuses = append(statuses, protocol.ContactStatus{
			Username: contact,
			Online:   online[contact],
		})
	}

	return s.sendEvent(sess, protocol.ListContactsOKEvent{
		Type:     protocol.EventListContactsOK,
		Contacts: statuses,
	})
}

// handleQueryOnline reports whether the queried user has a live
// authenticated session right now.
func (s *Server) handleQueryOnline(sess *Session, cmd *protocol.QueryOnlineCommand) error {
	if sess.Username() == "" {
		return s.sendEvent(sess, protocol.NewErrorEvent("Please login first."))
	}

	target := strings.TrimSpace(cmd.User)
	return s.sendEvent(sess, protocol.OnlineStatusEvent{
		Type:   protocol.EventOnlineStatus,
		User:   target,
		Online: s.sessions.IsOnline(target),
	})
}

// handlePing answers the keepalive; valid in any session state.
func (s *Server) handlePing(sess *Session, _ *protocol.PingCommand) error {
	return s.sendEvent(sess, protocol.NewPongEvent())
}

// validCodeFormat reports whether code is exactly six ASCII digits.
func validCodeFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
