package models

import "time"

// Сессии доставки. Сервер отдаёт имена в произвольном регистре,
// внутри храним в нижнем.
const (
	SessionBreakfast = "breakfast"
	SessionLunch     = "lunch"
	SessionDinner    = "dinner"
)

// Stop outcome statuses as the dispatch service expects them.
const (
	StopStatusDelivered           = "DELIVERED"
	StopStatusCustomerUnavailable = "CUSTOMER_UNAVAILABLE"
)

type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stop is one delivery point inside a session route.
// PlannedStopID is stable across reoptimization; StopOrder is not.
type Stop struct {
	DeliveryID    string `json:"delivery_id"`
	PlannedStopID string `json:"planned_stop_id,omitempty"`
	StopOrder     int    `json:"stop_order"`
	Session       string `json:"session"`
	DeliveryName  string `json:"delivery_name,omitempty"`
	Address       string `json:"address,omitempty"`
	MapLink       string `json:"map_link,omitempty"`
}

type SessionRoute struct {
	RouteID string `json:"route_id"`
	Session string `json:"session"`
	Stops   []Stop `json:"stops"`
}

// RouteSnapshot is the last-known-good picture of the driver's day,
// kept for offline display. At most one snapshot is stored; it is
// overwritten wholesale on every successful fetch.
type RouteSnapshot struct {
	DriverID string                  `json:"driver_id"`
	Sessions map[string]SessionRoute `json:"sessions"`
	CachedAt time.Time               `json:"cached_at"`
}

// StopCompletionRequest carries the minimum data needed to record a
// stop outcome server-side. Location is best-effort enrichment.
type StopCompletionRequest struct {
	RouteID       string    `json:"route_id"`
	DriverID      string    `json:"driver_id"`
	DeliveryID    string    `json:"delivery_id"`
	Status        string    `json:"status"`
	PlannedStopID string    `json:"planned_stop_id,omitempty"`
	StopOrder     int       `json:"stop_order,omitempty"`
	Comments      string    `json:"comments,omitempty"`
	Location      *Position `json:"current_location,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// LocationUpdateRequest corrects a delivery address's coordinates.
// Either AddressID or the (OrderID, MenuItemID, DeliveryDate, Session)
// tuple identifies the address.
type LocationUpdateRequest struct {
	AddressID    string  `json:"address_id,omitempty"`
	OrderID      string  `json:"order_id,omitempty"`
	MenuItemID   string  `json:"menu_item_id,omitempty"`
	DeliveryDate string  `json:"delivery_date,omitempty"`
	Session      string  `json:"session,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}
