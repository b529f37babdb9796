package gold

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-warehouse/internal/hash/sha256"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// unknown stands in for every absent or blank attribute, so rows that differ only in missing
// fields share one natural key.
const unknown = "∅"

const sep = "\x1f"

// NaturalKey returns the canonical digest identifying a dimension row.
func NaturalKey(row warehouse.DimensionRow) string {
	var parts []string
	switch r := row.(type) {
	case warehouse.LocationDim:
		parts = []string{str(r.Region), str(r.City)}
	case warehouse.VehicleDim:
		parts = []string{
			str(r.Make), str(r.Model), str(r.Generation), str(r.Trim), integer(r.CarYear),
			str(r.BodyType), str(r.EngineType), float(r.EngineVolumeL), str(r.Transmission),
			str(r.Drivetrain), str(r.Steering), str(r.Color),
		}
	case warehouse.SellerDim:
		parts = []string{str(r.SellerType), str(r.SellerName), int64Str(r.SellerUserID), str(r.City)}
	default:
		return ""
	}
	return sha256.Sum([]byte(string(row.Kind()) + sep + strings.Join(parts, sep)))
}

// LocationOf projects the location dimension from a current row.
func LocationOf(s warehouse.CurrentState) warehouse.LocationDim {
	return warehouse.LocationDim{Region: clean(s.Region), City: clean(s.City)}
}

// VehicleOf projects the vehicle dimension from a current row.
func VehicleOf(s warehouse.CurrentState) warehouse.VehicleDim {
	return warehouse.VehicleDim{
		Make:          clean(s.Make),
		Model:         clean(s.Model),
		Generation:    clean(s.Generation),
		Trim:          clean(s.Trim),
		CarYear:       s.CarYear,
		BodyType:      clean(s.BodyType),
		EngineType:    clean(s.EngineType),
		EngineVolumeL: s.EngineVolumeL,
		Transmission:  clean(s.Transmission),
		Drivetrain:    clean(s.Drivetrain),
		Steering:      clean(s.Steering),
		Color:         clean(s.Color),
	}
}

// SellerOf projects the seller dimension from a current row.
func SellerOf(s warehouse.CurrentState) warehouse.SellerDim {
	return warehouse.SellerDim{
		SellerType:   clean(s.SellerType),
		SellerName:   clean(s.SellerName),
		SellerUserID: s.SellerUserID,
		City:         clean(s.City),
	}
}

func clean(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func str(s *string) string {
	if c := clean(s); c != nil {
		return *c
	}
	return unknown
}

func integer(v *int) string {
	if v == nil {
		return unknown
	}
	return strconv.Itoa(*v)
}

func int64Str(v *int64) string {
	if v == nil {
		return unknown
	}
	return strconv.FormatInt(*v, 10)
}

func float(v *float64) string {
	if v == nil {
		return unknown
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
