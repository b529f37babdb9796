package warehouse

import "time"

// DateDim is one row of the calendar dimension.
type DateDim struct {
	DateKey   int       `json:"date_key"`
	Date      time.Time `json:"date"`
	Year      int       `json:"year"`
	Quarter   int       `json:"quarter"`
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	DayOfWeek int       `json:"day_of_week"`
}

// LocationDim is the natural key of the location dimension.
type LocationDim struct {
	Region *string `json:"region"`
	City   *string `json:"city"`
}

// VehicleDim is the natural key of the vehicle dimension.
type VehicleDim struct {
	Make          *string  `json:"make"`
	Model         *string  `json:"model"`
	Generation    *string  `json:"generation"`
	Trim          *string  `json:"trim"`
	CarYear       *int     `json:"car_year"`
	BodyType      *string  `json:"body_type"`
	EngineType    *string  `json:"engine_type"`
	EngineVolumeL *float64 `json:"engine_volume_l"`
	Transmission  *string  `json:"transmission"`
	Drivetrain    *string  `json:"drivetrain"`
	Steering      *string  `json:"steering"`
	Color         *string  `json:"color"`
}

// SellerDim is the natural key of the seller dimension.
type SellerDim struct {
	SellerType   *string `json:"seller_type"`
	SellerName   *string `json:"seller_name"`
	SellerUserID *int64  `json:"seller_user_id"`
	City         *string `json:"city"`
}

// FactDaily is one (date, listing) row of the daily fact table.
type FactDaily struct {
	DateKey     int    `json:"date_key"`
	EntityID    int64  `json:"listing_id"`
	LocationKey int64  `json:"location_key"`
	VehicleKey  int64  `json:"vehicle_key"`
	SellerKey   int64  `json:"seller_key"`
	Price       *int64 `json:"price"`
	IsActive    bool   `json:"is_active"`
	DaysOnSite  int    `json:"days_on_site"`
	Views       *int   `json:"views"`
	PhotoCount  *int   `json:"photo_count"`
}

// SameMeasures reports whether two fact rows carry identical mutable measures.
func (f FactDaily) SameMeasures(o FactDaily) bool {
	return eqPtr(f.Price, o.Price) &&
		f.IsActive == o.IsActive &&
		f.DaysOnSite == o.DaysOnSite &&
		eqPtr(f.Views, o.Views) &&
		eqPtr(f.PhotoCount, o.PhotoCount)
}

// FactPriceEvent is the gold projection of a PriceEvent.
type FactPriceEvent struct {
	EntityID int64     `json:"listing_id"`
	EventTS  time.Time `json:"event_ts"`
	DateKey  int       `json:"date_key"`
	OldPrice int64     `json:"old_price"`
	NewPrice int64     `json:"new_price"`
}

// DateKeyOf returns the YYYYMMDD key of a calendar day.
func DateKeyOf(day time.Time) int {
	return day.Year()*10000 + int(day.Month())*100 + day.Day()
}

// DayOf truncates t to its calendar day in loc. The result is midnight UTC of that calendar date so
// that days compare and serialize independently of the server time zone.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
