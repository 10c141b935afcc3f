package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "MIEAPI_CONFIG"
	EnvBaseURL      = "MIEAPI_BASE_URL"
	EnvUsername     = "MIEAPI_USERNAME"
	EnvPassword     = "MIEAPI_PASSWORD"
	EnvUserID       = "MIEAPI_USER_ID"
	EnvConnectToken = "MIEAPI_CONNECT_TOKEN"
	EnvIPAddress    = "MIEAPI_IP_ADDRESS"
)

// EnvOverrides holds values derived from environment variables.
// Secrets are usually supplied this way rather than in the config file.
type EnvOverrides struct {
	ConfigPath   string
	BaseURL      string
	Username     string
	Password     string
	UserID       string
	ConnectToken string
	IPAddress    string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BaseURL:      os.Getenv(EnvBaseURL),
		Username:     os.Getenv(EnvUsername),
		Password:     os.Getenv(EnvPassword),
		UserID:       os.Getenv(EnvUserID),
		ConnectToken: os.Getenv(EnvConnectToken),
		IPAddress:    os.Getenv(EnvIPAddress),
	}
}

// apply copies every non-empty override onto the connection section.
func (e EnvOverrides) apply(c *ConnectionConfig) {
	setIf(&c.BaseURL, e.BaseURL)
	setIf(&c.Username, e.Username)
	setIf(&c.Password, e.Password)
	setIf(&c.UserID, e.UserID)
	setIf(&c.ConnectToken, e.ConnectToken)
	setIf(&c.IPAddress, e.IPAddress)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
