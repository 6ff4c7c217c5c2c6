// Package nudges turns current weather and the cropping season into short,
// actionable farming tips.
package nudges

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kjstillabower/krishi-advisor-service/internal/contextsvc"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

// Nudge severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityAlert   = "alert"
)

// Thresholds for weather rules.
const (
	HeatAlertC     = 40.0
	HeatWarningC   = 35.0
	ColdWarningC   = 10.0
	FungalHumidity = 85
	WindWarningMS  = 10.0
	SprayMaxWindMS = 5.0
	DryHumidity    = 30
)

// Nudge is one tip.
type Nudge struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Result is the nudge set for a location.
type Result struct {
	Location string                   `json:"location"`
	Weather  *models.NudgeWeather     `json:"weather,omitempty"`
	Season   contextsvc.SeasonalFacet `json:"season"`
	Nudges   []Nudge                  `json:"nudges"`
}

// WeatherSource resolves the nudge weather shape. false means unavailable.
type WeatherSource interface {
	GetWeatherForNudges(ctx context.Context, location string) (models.NudgeWeather, bool)
}

// Service derives nudges.
type Service struct {
	weather WeatherSource
}

// NewService creates a Service.
func NewService(ws WeatherSource) *Service {
	return &Service{weather: ws}
}

// ForLocation combines weather rules with seasonal advice. When weather is
// unavailable only seasonal nudges are returned.
func (s *Service) ForLocation(ctx context.Context, location string, season contextsvc.SeasonalFacet, crops []string) Result {
	res := Result{Location: location, Season: season}
	if w, ok := s.weather.GetWeatherForNudges(ctx, location); ok {
		res.Weather = &w
		res.Nudges = append(res.Nudges, WeatherNudges(w)...)
	}
	res.Nudges = append(res.Nudges, SeasonalNudges(season, crops)...)
	sortBySeverity(res.Nudges)
	return res
}

// WeatherNudges applies the weather rules.
func WeatherNudges(w models.NudgeWeather) []Nudge {
	var out []Nudge

	switch {
	case w.Temperature >= HeatAlertC:
		out = append(out, newNudge("heat-alert", "heat", SeverityAlert, "Extreme heat",
			fmt.Sprintf("%.0f°C in %s. Irrigate in the early morning or evening, mulch to hold moisture and give livestock shade and water.", w.Temperature, w.Location)))
	case w.Temperature >= HeatWarningC:
		out = append(out, newNudge("heat-warning", "heat", SeverityWarning, "High temperature",
			fmt.Sprintf("%.0f°C expected. Avoid field work at midday and check soil moisture before irrigating.", w.Temperature)))
	case w.Temperature <= ColdWarningC:
		out = append(out, newNudge("cold-warning", "cold", SeverityWarning, "Cold conditions",
			fmt.Sprintf("%.0f°C. Protect nurseries and young plants from frost; a light evening irrigation can reduce frost damage.", w.Temperature)))
	}

	if w.IsRaining {
		out = append(out, newNudge("rain", "rain", SeverityWarning, "Rain in progress",
			"Postpone spraying and fertilizer application, and clear field channels to avoid waterlogging."))
	}

	switch {
	case w.Humidity >= FungalHumidity:
		out = append(out, newNudge("fungal-risk", "disease", SeverityWarning, "Fungal disease risk",
			fmt.Sprintf("Humidity is %d%%. Inspect leaves for spots or mildew and improve air flow between plants.", w.Humidity)))
	case w.Humidity <= DryHumidity:
		out = append(out, newNudge("dry-air", "irrigation", SeverityInfo, "Dry air",
			fmt.Sprintf("Humidity is only %d%%. Crops lose water faster; consider drip irrigation or mulching.", w.Humidity)))
	}

	switch {
	case w.WindSpeed >= WindWarningMS:
		out = append(out, newNudge("strong-wind", "wind", SeverityWarning, "Strong wind",
			fmt.Sprintf("Wind at %.1f m/s. Stake tall crops such as banana and sugarcane and do not spray.", w.WindSpeed)))
	case !w.IsRaining && w.WindSpeed <= SprayMaxWindMS && w.Humidity < FungalHumidity:
		out = append(out, newNudge("spray-window", "pest", SeverityInfo, "Good spraying window",
			"Calm and dry conditions suit pesticide or foliar spray application today."))
	}
	return out
}

// SeasonalNudges gives season-level advice, mentioning the farmer's crops when known.
func SeasonalNudges(season contextsvc.SeasonalFacet, crops []string) []Nudge {
	msg := "Suggested this season: " + strings.Join(season.SuggestedActivities, "; ") + "."
	if len(crops) > 0 {
		msg += " Plan work for your " + strings.Join(crops, ", ") + " accordingly."
	}
	title := season.CurrentSeason + " season"
	if season.CurrentSeason != "" {
		title = strings.ToUpper(season.CurrentSeason[:1]) + title[1:]
	}
	out := []Nudge{newNudge("season-"+season.CurrentSeason, "season", SeverityInfo, title, msg)}
	if season.IsHarvestSeason {
		out = append(out, newNudge("harvest", "season", SeverityInfo, "Harvest window",
			"Harvest season is under way. Check grain moisture before harvest and arrange dry storage."))
	}
	return out
}

func newNudge(id, category, severity, title, message string) Nudge {
	return Nudge{ID: id, Category: category, Severity: severity, Title: title, Message: message}
}

var severityRank = map[string]int{SeverityAlert: 0, SeverityWarning: 1, SeverityInfo: 2}

func sortBySeverity(ns []Nudge) {
	sort.SliceStable(ns, func(i, j int) bool {
		return severityRank[ns[i].Severity] < severityRank[ns[j].Severity]
	})
}
