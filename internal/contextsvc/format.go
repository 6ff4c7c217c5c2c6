package contextsvc

import (
	"fmt"
	"strings"
)

// Section headers of the prompt preamble.
const (
	HeaderFarmer       = "FARMER CONTEXT:"
	HeaderWeather      = "CURRENT WEATHER:"
	HeaderSeasonal     = "SEASONAL INFO:"
	HeaderConversation = "CONVERSATION CONTEXT:"
)

var instructionLines = []string{
	"INSTRUCTIONS:",
	"- Use the context above to personalise your advice for this farmer.",
	"- Factor the current weather and season into any recommendation.",
	"- Match the farmer's experience level and preferred language.",
	"- If the context is missing something important, ask a short clarifying question.",
}

// FormatContextForAI renders c as the plain-text preamble placed before the
// conversation sent to the model. Absent facets omit their section.
func FormatContextForAI(c *Context) string {
	var b strings.Builder

	if u, ok := c.User.Get(); ok {
		b.WriteString(HeaderFarmer + "\n")
		fmt.Fprintf(&b, "- Name: %s\n", u.DisplayName)
		fmt.Fprintf(&b, "- Location: %s\n", u.Location)
		fmt.Fprintf(&b, "- Farm size: %s\n", u.FarmSize)
		fmt.Fprintf(&b, "- Crops: %s\n", joinOr(u.CropTypes, "Not specified"))
		fmt.Fprintf(&b, "- Experience: %s\n", u.Experience)
		fmt.Fprintf(&b, "- Preferred language: %s\n", u.Language)
		b.WriteString("\n")
	}

	if w, ok := c.Weather.Get(); ok {
		b.WriteString(HeaderWeather + "\n")
		place := w.Location
		if w.Country != "" {
			place += ", " + w.Country
		}
		fmt.Fprintf(&b, "- Location: %s\n", place)
		fmt.Fprintf(&b, "- Temperature: %g°C\n", w.Temperature)
		fmt.Fprintf(&b, "- Humidity: %d%%\n", w.Humidity)
		fmt.Fprintf(&b, "- Conditions: %s\n", w.Conditions)
		fmt.Fprintf(&b, "- Wind speed: %g m/s\n", w.WindSpeed)
		fmt.Fprintf(&b, "- Pressure: %d hPa\n", w.Pressure)
		fmt.Fprintf(&b, "- Visibility: %g km\n", w.Visibility)
		b.WriteString("\n")
	}

	s := c.Seasonal
	b.WriteString(HeaderSeasonal + "\n")
	fmt.Fprintf(&b, "- Current season: %s (month %d)\n", s.CurrentSeason, s.Month)
	fmt.Fprintf(&b, "- Planting season: %s\n", yesNo(s.IsPlantingSeason))
	fmt.Fprintf(&b, "- Harvest season: %s\n", yesNo(s.IsHarvestSeason))
	fmt.Fprintf(&b, "- Suggested activities: %s\n", joinOr(s.SuggestedActivities, "none"))
	b.WriteString("\n")

	if conv, ok := c.Conversation.Get(); ok {
		b.WriteString(HeaderConversation + "\n")
		fmt.Fprintf(&b, "- Topic: %s\n", conv.Category)
		if conv.Title != "" {
			fmt.Fprintf(&b, "- Title: %s\n", conv.Title)
		}
		if conv.Description != "" {
			fmt.Fprintf(&b, "- Description: %s\n", conv.Description)
		}
		if conv.CropType != "" {
			fmt.Fprintf(&b, "- Crop: %s\n", conv.CropType)
		}
		if conv.Season != "" {
			fmt.Fprintf(&b, "- Season: %s\n", conv.Season)
		}
		if conv.UrgencyLevel > 0 {
			fmt.Fprintf(&b, "- Urgency: %d/5\n", conv.UrgencyLevel)
		}
		fmt.Fprintf(&b, "- Previous messages: %d\n", len(conv.RecentMessages))
		b.WriteString("\n")
	}

	b.WriteString(strings.Join(instructionLines, "\n"))
	b.WriteString("\n")
	return b.String()
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
