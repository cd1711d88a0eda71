package media

import (
	"errors"

	"github.com/JohnLrp/Shiksha-files-backend/internal/model"
)

// ErrUnknownRole means a role value escaped the data-model constraint.
// It is a contract violation, not a request error.
var ErrUnknownRole = errors.New("unknown role")

// Grant is the capability set for one identity inside one room. It is
// computed per request and never persisted.
type Grant struct {
	Room               string
	CanPublish         bool
	CanPublishData     bool
	CanSubscribe       bool
	PublishableSources []string
	RoomAdmin          bool
	RoomRecord         bool
}

// ComputeGrant maps a persisted role onto room capabilities. Teachers host:
// they publish camera/mic/screen and administer and record the room.
// Students only subscribe.
func ComputeGrant(role model.Role, roomName string) (Grant, error) {
	switch role {
	case model.RoleTeacher:
		return Grant{
			Room:               roomName,
			CanPublish:         true,
			CanPublishData:     true,
			CanSubscribe:       true,
			PublishableSources: []string{"camera", "microphone", "screen_share"},
			RoomAdmin:          true,
			RoomRecord:         true,
		}, nil
	case model.RoleStudent:
		return Grant{
			Room:               roomName,
			CanSubscribe:       true,
			PublishableSources: []string{},
		}, nil
	default:
		return Grant{}, ErrUnknownRole
	}
}
