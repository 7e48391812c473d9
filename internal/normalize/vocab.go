package normalize

import (
	"strings"

	"bikeshare-etl/internal/domain"
)

func canon(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func StationStatusOf(raw string) domain.StationStatus {
	switch canon(raw) {
	case "operative", "open", "ok":
		return domain.StationOperative
	case "close", "closed":
		return domain.StationClosed
	case "work in progress", "maintenance":
		return domain.StationMaintenance
	}
	return domain.StationStatusUnknown
}

func StationTypeOf(raw string) domain.StationType {
	switch canon(raw) {
	case "yes", "plus", "true", "1":
		return domain.StationPlus
	case "no", "standard", "false", "0":
		return domain.StationStandard
	}
	return domain.StationTypeUnknown
}

func BikeTypeOf(electric string) domain.BikeType {
	switch canon(electric) {
	case "yes", "true", "1", "electric", "ebike":
		return domain.BikeElectric
	case "no", "false", "0", "mechanical":
		return domain.BikeMechanical
	}
	return domain.BikeTypeUnknown
}

func BikeStatusOf(raw string) domain.BikeStatus {
	switch canon(raw) {
	case "disponible", "available":
		return domain.BikeAvailable
	case "indisponible", "unavailable", "broken", "disabled":
		return domain.BikeUnavailable
	}
	return domain.BikeStatusUnknown
}
