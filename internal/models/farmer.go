package models

import "time"

// NotSpecified is stored for profile fields a farmer left blank.
// Weather lookups treat it as an absent location.
const NotSpecified = "Not specified"

// Experience levels.
const (
	ExperienceBeginner     = "beginner"
	ExperienceIntermediate = "intermediate"
	ExperienceExpert       = "expert"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Thread categories.
const (
	CategoryGeneral        = "general"
	CategoryCropManagement = "crop_management"
	CategoryPestManagement = "pest_management"
	CategorySoilHealth     = "soil_health"
	CategoryWeather        = "weather"
	CategoryMarket         = "market_prices"
	CategoryIrrigation     = "irrigation"
)

// User is a registered farmer.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	Location     string    `json:"location"`
	FarmSize     string    `json:"farmSize"`
	CropTypes    []string  `json:"cropTypes"`
	Experience   string    `json:"experience"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Thread is a conversation between a farmer and the advisor.
type Thread struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	CropType     string    `json:"cropType"`
	Season       string    `json:"season"`
	UrgencyLevel int       `json:"urgencyLevel"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a single turn in a thread. Hidden messages are never shown to the model.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Hidden    bool      `json:"-"`
	CreatedAt time.Time `json:"timestamp"`
}
