package contextsvc

import (
	"time"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

// UserFacet is the profile slice of a farmer that shapes advice.
type UserFacet struct {
	Location    string   `json:"location"`
	FarmSize    string   `json:"farmSize"`
	CropTypes   []string `json:"cropTypes"`
	Experience  string   `json:"experienceLevel"`
	Language    string   `json:"preferredLanguage"`
	DisplayName string   `json:"displayName"`
}

// ConversationMessage is a truncated thread message, oldest first in RecentMessages.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationFacet describes the thread a message belongs to.
type ConversationFacet struct {
	Category       string                `json:"category"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	CropType       string                `json:"cropType"`
	Season         string                `json:"season"`
	UrgencyLevel   int                   `json:"urgencyLevel"`
	RecentMessages []ConversationMessage `json:"recentMessages"`
}

// SeasonalFacet is derived from the calendar month alone.
type SeasonalFacet struct {
	CurrentSeason       string   `json:"currentSeason"`
	Month               int      `json:"month"`
	SuggestedActivities []string `json:"suggestedActivities"`
	IsPlantingSeason    bool     `json:"isPlantingSeason"`
	IsHarvestSeason     bool     `json:"isHarvestSeason"`
}

// CurrentMessage is the message that triggered assembly.
type CurrentMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata records which facets were populated.
type Metadata struct {
	HasUserContext         bool      `json:"hasUserContext"`
	HasWeatherContext      bool      `json:"hasWeatherContext"`
	HasConversationContext bool      `json:"hasConversationContext"`
	AssembledAt            time.Time `json:"assembledAt"`
	Error                  string    `json:"error,omitempty"`
}

// Context is assembled once per chat turn and never cached.
// Seasonal and CurrentMessage are always set.
type Context struct {
	User           Facet[UserFacet]             `json:"user"`
	Weather        Facet[models.ContextWeather] `json:"weather"`
	Conversation   Facet[ConversationFacet]     `json:"conversation"`
	Seasonal       SeasonalFacet                `json:"seasonal"`
	CurrentMessage CurrentMessage               `json:"currentMessage"`
	Metadata       Metadata                     `json:"metadata"`
}

// Degraded reports whether assembly failed and only the guaranteed facets are set.
func (c *Context) Degraded() bool {
	return c.Metadata.Error != ""
}

func degradedContext(seasonal SeasonalFacet, msg CurrentMessage, reason string, at time.Time) *Context {
	return &Context{
		User:           Absent[UserFacet](reason),
		Weather:        Absent[models.ContextWeather](reason),
		Conversation:   Absent[ConversationFacet](reason),
		Seasonal:       seasonal,
		CurrentMessage: msg,
		Metadata: Metadata{
			AssembledAt: at,
			Error:       reason,
		},
	}
}
