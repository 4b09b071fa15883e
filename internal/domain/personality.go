package domain

// Personality is the base, owner-defined configuration for an AI character.
type Personality struct {
	ID                       string  `json:"id" gorm:"column:id;primaryKey"`
	Slug                     string  `json:"slug" gorm:"column:slug;uniqueIndex"`
	OwnerUserID              string  `json:"owner_user_id" gorm:"column:owner_user_id;index"`
	Name                     string  `json:"name" gorm:"column:name"`
	Model                    string  `json:"model" gorm:"column:model"`
	VisionModel              string  `json:"vision_model" gorm:"column:vision_model"`
	SystemPrompt             string  `json:"system_prompt" gorm:"column:system_prompt"`
	Temperature              float64 `json:"temperature" gorm:"column:temperature"`
	FrequencyPenalty         float64 `json:"frequency_penalty" gorm:"column:frequency_penalty"`
	ShareLTMAcrossPersonas   bool    `json:"share_ltm_across_personas" gorm:"column:share_ltm_across_personas"`
	IncludeSystemPromptInVis bool    `json:"include_system_prompt_in_vision" gorm:"column:include_system_prompt_in_vision"`
	IsFreeTierModel          bool    `json:"is_free_tier_model" gorm:"column:is_free_tier_model"`
}

func (Personality) TableName() string { return "personality" }

// UserPersonalityOverride is the "user-override-for-this-personality" level
// of the config hierarchy: a per-(user, personality) config patch.
type UserPersonalityOverride struct {
	UserID           string   `json:"user_id" gorm:"column:user_id;primaryKey"`
	PersonalityID    string   `json:"personality_id" gorm:"column:personality_id;primaryKey"`
	Model            *string  `json:"model,omitempty" gorm:"column:model"`
	Temperature      *float64 `json:"temperature,omitempty" gorm:"column:temperature"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" gorm:"column:frequency_penalty"`
	SystemPrompt     *string  `json:"system_prompt,omitempty" gorm:"column:system_prompt"`
}

func (UserPersonalityOverride) TableName() string { return "user_personality_override" }

// UserDefaultConfig is the "user-default-config" level, applied to every
// personality the user talks to unless a more specific override exists.
type UserDefaultConfig struct {
	UserID           string   `json:"user_id" gorm:"column:user_id;primaryKey"`
	Model            *string  `json:"model,omitempty" gorm:"column:model"`
	Temperature      *float64 `json:"temperature,omitempty" gorm:"column:temperature"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" gorm:"column:frequency_penalty"`
}

func (UserDefaultConfig) TableName() string { return "user_default_config" }

// APICredential is a user's bring-your-own-key record for a provider. Its
// absence is what puts a request into guest mode.
type APICredential struct {
	UserID    string `json:"user_id" gorm:"column:user_id;primaryKey"`
	Provider  string `json:"provider" gorm:"column:provider;primaryKey"`
	APIKeyEnc string `json:"-" gorm:"column:api_key_enc"`
}

func (APICredential) TableName() string { return "api_credential" }
