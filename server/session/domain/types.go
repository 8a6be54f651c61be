package domain

import "time"

type Role string

const (
	RoleTechnician Role = "technician"
	RoleDispatcher Role = "dispatcher"
	RoleManager    Role = "manager"
	RoleCustomer   Role = "customer"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleTechnician, RoleDispatcher, RoleManager, RoleCustomer, RoleAdmin:
		return true
	}
	return false
}

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
	DeviceKiosk   DeviceClass = "kiosk"
)

func (d DeviceClass) Valid() bool {
	switch d {
	case DeviceMobile, DeviceTablet, DeviceDesktop, DeviceKiosk:
		return true
	}
	return false
}

// SharesLocation reports whether sessions of this class may publish live
// location. Only handheld field devices do.
func (d DeviceClass) SharesLocation() bool {
	return d == DeviceMobile
}

type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	HeadingDeg *float64  `json:"heading_deg,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180 && l.AccuracyM >= 0
}

type ConnectRequest struct {
	ActorID     string      `json:"actor_id"`
	WorkshopID  string      `json:"workshop_id"`
	Role        Role        `json:"role"`
	Locale      string      `json:"locale"`
	DeviceClass DeviceClass `json:"device_class"`
}

// Session is a read-only snapshot of one live connection.
type Session struct {
	SessionID      string      `json:"session_id"`
	ActorID        string      `json:"actor_id"`
	WorkshopID     string      `json:"workshop_id,omitempty"`
	Role           Role        `json:"role"`
	Locale         string      `json:"locale"`
	DeviceClass    DeviceClass `json:"device_class"`
	Groups         []string    `json:"groups"`
	ConnectedAt    time.Time   `json:"connected_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	Location       *Location   `json:"location,omitempty"`
}

type Stats struct {
	Sessions int            `json:"sessions"`
	Actors   int            `json:"actors"`
	Groups   int            `json:"groups"`
	ByDevice map[string]int `json:"by_device"`
	Dropped  int64          `json:"dropped_sends"`
}

// Envelope is the frame written to a peer for every broadcast.
type Envelope struct {
	Type    string    `json:"type"`
	Group   string    `json:"group,omitempty"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}
