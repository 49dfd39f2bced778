package config

// HubSettings holds configuration for the upstream push hub connection.
type HubSettings struct {
	Type         string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL          string `mapstructure:"url"`          // rabbitmq
	Queue        string `mapstructure:"queue"`        // rabbitmq
	ProjectID    string `mapstructure:"projectID"`    // gcp-pubsub
	Subscription string `mapstructure:"subscription"` // gcp-pubsub
}
