package contextsvc

import "time"

// Indian cropping seasons.
const (
	SeasonKharif = "kharif"
	SeasonRabi   = "rabi"
	SeasonZaid   = "zaid"
)

var seasonalActivities = map[string][]string{
	SeasonKharif: {
		"Rice transplanting and nursery care",
		"Cotton, maize and soybean sowing",
		"Pest and disease watch during monsoon rains",
		"Field drainage to prevent waterlogging",
	},
	SeasonRabi: {
		"Wheat, mustard and gram sowing",
		"Irrigation scheduling for winter crops",
		"Harvest preparation and storage planning",
	},
	SeasonZaid: {
		"Summer vegetables, watermelon and fodder crops",
		"Water conservation and mulching",
		"Heat stress management for crops and livestock",
	},
}

// Seasonal derives the seasonal facet from the month of t.
// Kharif runs June to October, rabi November to March, zaid April and May.
// Rabi counts as harvest season from February on, which includes November
// and December.
func Seasonal(t time.Time) SeasonalFacet {
	month := int(t.Month())

	var season string
	switch {
	case month >= 6 && month <= 10:
		season = SeasonKharif
	case month >= 11 || month <= 3:
		season = SeasonRabi
	default:
		season = SeasonZaid
	}

	activities := append([]string(nil), seasonalActivities[season]...)
	return SeasonalFacet{
		CurrentSeason:       season,
		Month:               month,
		SuggestedActivities: activities,
		IsPlantingSeason:    season == SeasonKharif || season == SeasonRabi,
		IsHarvestSeason:     (season == SeasonRabi && month >= 2) || (season == SeasonKharif && month >= 9),
	}
}
