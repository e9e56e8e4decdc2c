package model

// Country groups nodes for filtering and display
type Country struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"` // ISO-3166 alpha-2, upper-case
	Name      string `json:"name"`
	NameEn    string `json:"name_en"`
	FlagEmoji string `json:"flag_emoji,omitempty"`
	IsActive  bool   `json:"is_active"`
	Priority  int    `json:"priority"`
}

// DisplayName returns the flag-prefixed country name
func (c *Country) DisplayName() string {
	if c.FlagEmoji == "" {
		return c.Name
	}
	return c.FlagEmoji + " " + c.Name
}

// CountryAvailability summarizes node availability in a country
type CountryAvailability struct {
	Country
	TotalNodes     int  `json:"total_nodes"`
	HealthyNodes   int  `json:"healthy_nodes"`
	AvailableSlots int  `json:"available_slots"`
	Available      bool `json:"available"`
}
