package models

// Restaurant describes one suggested venue attached to a
// restaurant-suggestion message.
type Restaurant struct {
	Name       string   `json:"name"`
	Categories []string `json:"categories,omitempty"`
	Address    string   `json:"address,omitempty"`
}

// DatePlan describes a proposed date attached to a date-plan message.
type DatePlan struct {
	Title    string `json:"title"`
	Time     string `json:"time"`
	Location string `json:"location"`
}
