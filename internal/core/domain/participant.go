package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ParseRole accepts the classroom names and the generic standard/privileged
// aliases. Anything unknown is a student.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teacher", "privileged":
		return RoleTeacher
	default:
		return RoleStudent
	}
}

func (r Role) Privileged() bool {
	return r == RoleTeacher
}

type Participant struct {
	ID           ParticipantID
	Name         string
	Role         Role
	Avatar       string
	CurrentRoom  RoomID
	Muted        bool
	Speaking     bool
	ConnectedAt  time.Time
	LastActivity time.Time
}

func (p Participant) InRoom() bool {
	return p.CurrentRoom != ""
}

// Member projects the participant into a membership record.
func (p Participant) Member() Member {
	return Member{
		ID:       p.ID,
		Name:     p.Name,
		Role:     p.Role,
		Avatar:   p.Avatar,
		Muted:    p.Muted,
		Speaking: p.Speaking,
	}
}

func (p Participant) InactiveFor(now time.Time) time.Duration {
	return now.Sub(p.LastActivity)
}
