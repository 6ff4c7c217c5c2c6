package models

import "time"

// WeatherReading is the provider-agnostic reading produced from an upstream weather response.
type WeatherReading struct {
	Location    string    `json:"location"`
	Country     string    `json:"country"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Humidity    int       `json:"humidity"`
	Pressure    int       `json:"pressure"`
	Conditions  string    `json:"conditions"`
	Description string    `json:"description"`
	Icon        string    `json:"icon,omitempty"`
	WindSpeed   float64   `json:"windSpeed"`
	WindDeg     int       `json:"windDirection"`
	Visibility  float64   `json:"visibility"` // km
	Cloudiness  int       `json:"cloudiness"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Sunrise     time.Time `json:"sunrise"`
	Sunset      time.Time `json:"sunset"`
	Timestamp   time.Time `json:"timestamp"`
}

// NudgeWeather is the reduced shape used to derive farming nudges.
type NudgeWeather struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Humidity    int     `json:"humidity"`
	Conditions  string  `json:"conditions"`
	WindSpeed   float64 `json:"windSpeed"`
	IsRaining   bool    `json:"isRaining"`
}

// ContextWeather is the weather facet injected into AI prompts.
type ContextWeather struct {
	Temperature float64 `json:"temperature"`
	Humidity    int     `json:"humidity"`
	Conditions  string  `json:"conditions"`
	WindSpeed   float64 `json:"windSpeed"`
	Pressure    int     `json:"pressure"`
	Visibility  float64 `json:"visibility"`
	Location    string  `json:"location"`
	Country     string  `json:"country"`
}

// NudgeShape reduces a reading to the nudge shape.
func (r WeatherReading) NudgeShape() NudgeWeather {
	return NudgeWeather{
		Location:    r.Location,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Conditions:  r.Description,
		WindSpeed:   r.WindSpeed,
		IsRaining:   isRainCondition(r.Conditions),
	}
}

// ContextShape reduces a reading to the context facet shape.
func (r WeatherReading) ContextShape() ContextWeather {
	return ContextWeather{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Conditions:  r.Description,
		WindSpeed:   r.WindSpeed,
		Pressure:    r.Pressure,
		Visibility:  r.Visibility,
		Location:    r.Location,
		Country:     r.Country,
	}
}

func isRainCondition(main string) bool {
	switch main {
	case "Rain", "Drizzle", "Thunderstorm":
		return true
	}
	return false
}
