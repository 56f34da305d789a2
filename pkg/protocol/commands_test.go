package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
	}{
		{
			name: "register",
			line: `{"type":"register","username":"alice","password":"pw1"}`,
			want: &RegisterCommand{Username: "alice", Password: "pw1"},
		},
		{
			name: "login",
			line: `{"type":"login","username":"alice","password":"pw1"}`,
			want: &LoginCommand{Username: "alice", Password: "pw1"},
		},
		{
			name: "reset_password",
			line: `{"type":"reset_password","username":"alice","recovery_code":"abc","new_password":"pw2"}`,
			want: &ResetPasswordCommand{Username: "alice", RecoveryCode: "abc", NewPassword: "pw2"},
		},
		{
			name: "delete_account",
			line: `{"type":"delete_account","username":"alice","recovery_code":"abc"}`,
			want: &DeleteAccountCommand{Username: "alice", RecoveryCode: "abc"},
		},
		{
			name: "chat",
			line: `{"type":"chat","message":"hello"}`,
			want: &ChatCommand{Message: "hello"},
		},
		{
			name: "get_code",
			line: `{"type":"get_code"}`,
			want: &GetCodeCommand{},
		},
		{
			name: "add_contact",
			line: `{"type":"add_contact","code":"123456"}`,
			want: &AddContactCommand{Code: "123456"},
		},
		{
			name: "remove_contact",
			line: `{"type":"remove_contact","target":"bob"}`,
			want: &RemoveContactCommand{Target: "bob"},
		},
		{
			name: "list_contacts",
			line: `{"type":"list_contacts"}`,
			want: &ListContactsCommand{},
		},
		{
			name: "query_online",
			line: `{"type":"query_online","user":"bob"}`,
			want: &QueryOnlineCommand{User: "bob"},
		},
		{
			name: "ping",
			line: `{"type":"ping"}`,
			want: &PingCommand{},
		},
		{
			name: "extra fields ignored",
			line: `{"type":"ping","junk":42}`,
			want: &PingCommand{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{"malformed JSON", `{"type":`, ErrInvalidJSON},
		{"not an object", `[1,2,3]`, ErrInvalidJSON},
		{"missing type", `{"username":"alice"}`, ErrMissingType},
		{"unknown type", `{"type":"warp_drive"}`, ErrUnknownCommand},
		{"wrong field type", `{"type":"chat","message":12}`, ErrInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.line))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCommandTypeRoundTrip(t *testing.T) {
	commands := []Command{
		&RegisterCommand{},
		&LoginCommand{},
		&ResetPasswordCommand{},
		&DeleteAccountCommand{},
		&ChatCommand{},
		&GetCodeCommand{},
		&AddContactCommand{},
		&RemoveContactCommand{},
		&ListContactsCommand{},
		&QueryOnlineCommand{},
		&PingCommand{},
	}

	for _, cmd := range commands {
		line := `{"type":"` + cmd.CommandType() + `"}`
		decoded, err := DecodeCommand([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, cmd.CommandType(), decoded.CommandType())
	}
}

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand(&ChatCommand{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	decoded, err := DecodeCommand(line)
	require.NoError(t, err)
	chat, ok := decoded.(*ChatCommand)
	require.True(t, ok)
	assert.Equal(t, "hello", chat.Message)

	// Commands with no payload still carry the type envelope
	line, err = EncodeCommand(&PingCommand{})
	require.NoError(t, err)
	decoded, err = DecodeCommand(line)
	require.NoError(t, err)
	assert.Equal(t, CmdPing, decoded.CommandType())
}
