package domain

type BikeType string

const (
	BikeMechanical  BikeType = "mechanical"
	BikeElectric    BikeType = "electric"
	BikeTypeUnknown BikeType = "unknown"
)

type BikeStatus string

const (
	BikeAvailable     BikeStatus = "available"
	BikeUnavailable   BikeStatus = "unavailable"
	BikeStatusUnknown BikeStatus = "unknown"
)

type StationStatus string

const (
	StationOperative     StationStatus = "operative"
	StationClosed        StationStatus = "closed"
	StationMaintenance   StationStatus = "maintenance"
	StationStatusUnknown StationStatus = "unknown"
)

type StationType string

const (
	StationStandard    StationType = "standard"
	StationPlus        StationType = "plus"
	StationTypeUnknown StationType = "unknown"
)
