package canvass

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	assert.Equal(t, id.IsZero(), false)
	assert.Equal(t, Id{}.IsZero(), true)

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fromBytes, id)

	_, err = IdFromBytes([]byte{0x01, 0x02})
	assert.NotEqual(t, err, nil)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)
}

func TestIdJson(t *testing.T) {
	id := NewId()

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	// the wire format is a quoted uuid string
	assert.Equal(t, string(idJson), "\""+id.String()+"\"")

	var idUnmarshal Id
	err = json.Unmarshal(idJson, &idUnmarshal)
	assert.Equal(t, err, nil)
	assert.Equal(t, idUnmarshal, id)

	err = json.Unmarshal([]byte("\"short\""), &idUnmarshal)
	assert.NotEqual(t, err, nil)
}

func TestBusinessStatus(t *testing.T) {
	assert.Equal(t, BusinessStatusPending.IsTerminal(), false)
	assert.Equal(t, BusinessStatusContacted.IsTerminal(), false)
	assert.Equal(t, BusinessStatusCompleted.IsTerminal(), true)
	assert.Equal(t, BusinessStatusNotInterested.IsTerminal(), true)

	assert.Equal(t, BusinessStatusPending.IsValid(), true)
	assert.Equal(t, BusinessStatus("bogus").IsValid(), false)
}

func TestUserRole(t *testing.T) {
	assert.Equal(t, UserRoleAdmin.IsValid(), true)
	assert.Equal(t, UserRoleManager.IsValid(), true)
	assert.Equal(t, UserRoleUser.IsValid(), true)
	assert.Equal(t, UserRole("bogus").IsValid(), false)
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, ConnectionStateConnected.IsConnected(), true)
	assert.Equal(t, ConnectionStateDisconnected.IsConnected(), false)
	assert.Equal(t, ConnectionStateConnecting.IsInProgress(), true)
	assert.Equal(t, ConnectionStateReconnecting.IsInProgress(), true)
	assert.Equal(t, ConnectionStateConnected.IsInProgress(), false)
}

func TestUserFullName(t *testing.T) {
	user := &User{
		FirstName: "Ada",
		LastName:  "Lovelace",
	}
	assert.Equal(t, user.FullName(), "Ada Lovelace")
}
