package canvass

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// client-side synchronization core for the canvassing platform
// entities are exchanged as json with both the hub and the rest api,
// keyed by `Id` everywhere

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// lead workflow state machine is:
// BusinessStatusPending
//
//	-> BusinessStatusContacted
//	  -> BusinessStatusCompleted (terminal)
//	  -> BusinessStatusNotInterested (terminal)
type BusinessStatus string

const (
	BusinessStatusPending       BusinessStatus = "pending"
	BusinessStatusContacted     BusinessStatus = "contacted"
	BusinessStatusCompleted     BusinessStatus = "completed"
	BusinessStatusNotInterested BusinessStatus = "not-interested"
)

func (self BusinessStatus) IsTerminal() bool {
	switch self {
	case BusinessStatusCompleted, BusinessStatusNotInterested:
		return true
	default:
		return false
	}
}

func (self BusinessStatus) IsValid() bool {
	switch self {
	case BusinessStatusPending, BusinessStatusContacted, BusinessStatusCompleted, BusinessStatusNotInterested:
		return true
	default:
		return false
	}
}

type UserRole string

const (
	UserRoleAdmin   UserRole = "Admin"
	UserRoleManager UserRole = "Manager"
	UserRoleUser    UserRole = "User"
)

func (self UserRole) IsValid() bool {
	switch self {
	case UserRoleAdmin, UserRoleManager, UserRoleUser:
		return true
	default:
		return false
	}
}

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateConnected    ConnectionState = "Connected"
	ConnectionStateReconnecting ConnectionState = "Reconnecting"
)

func (self ConnectionState) IsConnected() bool {
	return self == ConnectionStateConnected
}

// an attempt to open the hub connection is in flight
func (self ConnectionState) IsInProgress() bool {
	switch self {
	case ConnectionStateConnecting, ConnectionStateReconnecting:
		return true
	default:
		return false
	}
}

type Company struct {
	Id        Id        `json:"id"`
	Name      string    `json:"name"`
	PinIcon   string    `json:"pinIcon"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (self *Company) EntityId() Id {
	return self.Id
}

// a lead pin on the map
// `CompanyId` is required and immutable once created
// `AssignedUserId` is a weak reference resolved against the user cache
type Business struct {
	Id              Id             `json:"id"`
	Name            string         `json:"name"`
	Address         string         `json:"address"`
	Phone           string         `json:"phone,omitempty"`
	Email           string         `json:"email,omitempty"`
	Website         string         `json:"website,omitempty"`
	Notes           []string       `json:"notes,omitempty"`
	Latitude        float64        `json:"latitude"`
	Longitude       float64        `json:"longitude"`
	CompanyId       Id             `json:"companyId"`
	AssignedUserId  *Id            `json:"assignedUserId,omitempty"`
	Status          BusinessStatus `json:"status"`
	LastContactDate *time.Time     `json:"lastContactDate,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (self *Business) EntityId() Id {
	return self.Id
}

func (self *Business) IsAssigned() bool {
	return self.AssignedUserId != nil
}

type User struct {
	Id            Id        `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	Role          UserRole  `json:"role"`
	CompanyId     *Id       `json:"companyId,omitempty"`
	IsActive      bool      `json:"isActive"`
	CanManagePins bool      `json:"canManagePins"`
	IsApproved    bool      `json:"isApproved"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (self *User) EntityId() Id {
	return self.Id
}

func (self *User) FullName() string {
	return fmt.Sprintf("%s %s", self.FirstName, self.LastName)
}
