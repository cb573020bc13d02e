package models

import (
	"strings"
	"time"
)

// PrivilegeLevel is resolved once when an actor is loaded and passed around as
// a value; call sites never compare role strings.
type PrivilegeLevel int

const (
	PrivilegeOrdinary PrivilegeLevel = iota
	PrivilegeUnlimited
)

func ParsePrivilege(role string) PrivilegeLevel {
	if strings.EqualFold(role, "admin") {
		return PrivilegeUnlimited
	}
	return PrivilegeOrdinary
}

func (p PrivilegeLevel) String() string {
	if p == PrivilegeUnlimited {
		return "admin"
	}
	return "user"
}

// Pixel is the current state of one board cell.
type Pixel struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    string `json:"color"`
	Username string `json:"username,omitempty"`
}

// HistoryEntry is one accepted change, immutable once appended.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	OldColor  string    `json:"oldColor"`
	NewColor  string    `json:"newColor"`
	ActorID   int64     `json:"actorId"`
	ChangedAt time.Time `json:"changedAt"`
}

type Actor struct {
	ID           int64          `json:"id"`
	Username     string         `json:"username"`
	Privilege    PrivilegeLevel `json:"-"`
	PixelChanges int            `json:"pixelChanges"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// PixelEvent is the broadcast payload sent to live observers.
type PixelEvent struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    string `json:"color"`
	Username string `json:"username,omitempty"`
}

type GameInfo struct {
	Width           int `json:"width"`
	Height          int `json:"height"`
	CooldownSeconds int `json:"cooldown"`
}
